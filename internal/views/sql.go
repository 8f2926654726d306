package views

// Query templates. Placeholders in double braces are replaced by the catalog
// with validated, quoted identifiers or integers; no value reaches the SQL
// text any other way.
//
// Business-intelligence views (daily activity, user rollup, executive
// summary) skip credit_type = 'default' rows. The finance views are ledgers
// and include every row. Sentinel-dated rows never contribute a date.

const dailyActivitySQL = `
SELECT
    ("timestamp" AT TIME ZONE 'UTC')::date AS activity_date,
    org_id,
    user_id,
    action,
    credit_type,
    SUM(credits) AS total_credits_used,
    COUNT(*) AS action_count,
    CASE
        WHEN COUNT(*) >= 10 THEN 'High Usage'
        WHEN COUNT(*) >= 5 THEN 'Medium Usage'
        WHEN COUNT(*) >= 1 THEN 'Low Usage'
        ELSE 'No Usage'
    END AS usage_level
FROM {{table}}
WHERE action IS NOT NULL
    AND credit_type <> 'default'
    AND "timestamp" <> {{sentinel}}
GROUP BY activity_date, org_id, user_id, action, credit_type`

const orgBalanceSQL = `
SELECT
    org_id,
    SUM(
        CASE
            WHEN action = 'add' THEN credits
            WHEN action = 'deduct' THEN -credits
            ELSE 0
        END
    ) AS total_credits
FROM {{table}}
GROUP BY org_id`

const userRollupSQL = `
WITH activity AS (
    SELECT
        org_id,
        user_id,
        action,
        credits,
        CASE WHEN "timestamp" <> {{sentinel}}
            THEN ("timestamp" AT TIME ZONE 'UTC')::date
        END AS activity_date
    FROM {{table}}
    WHERE credit_type <> 'default'
),
per_user AS (
    SELECT
        org_id,
        user_id,
        SUM(CASE WHEN action = 'add' THEN credits WHEN action = 'deduct' THEN -credits ELSE 0 END) AS net_credit_balance,
        SUM(CASE WHEN action = 'add' THEN credits ELSE 0 END) AS total_credits_purchased,
        SUM(CASE WHEN action = 'deduct' THEN credits ELSE 0 END) AS total_credits_consumed,
        COUNT(*) AS total_actions,
        COUNT(*) FILTER (WHERE action = 'add') AS purchase_actions,
        COUNT(*) FILTER (WHERE action = 'deduct') AS usage_actions,
        MIN(activity_date) AS first_activity_date,
        MAX(activity_date) AS last_activity_date,
        COUNT(DISTINCT activity_date) AS active_days
    FROM activity
    GROUP BY org_id, user_id
)
SELECT
    p.org_id,
    o.org_name AS organization,
    o.industry,
    p.user_id,
    u.user_name,
    u.role AS user_role,
    u.email AS user_email,
    p.first_activity_date,
    p.last_activity_date,
    p.active_days,
    p.net_credit_balance,
    p.total_credits_purchased,
    p.total_credits_consumed,
    p.total_actions,
    p.purchase_actions,
    p.usage_actions,
    CASE
        WHEN p.total_actions >= 50 THEN 'Power User'
        WHEN p.total_actions >= 20 THEN 'Active User'
        WHEN p.total_actions >= 5 THEN 'Regular User'
        WHEN p.total_actions >= 1 THEN 'Light User'
        ELSE 'Inactive'
    END AS engagement_level,
    CASE
        WHEN p.last_activity_date IS NULL
            OR p.last_activity_date < CURRENT_DATE - {{at_risk_days}} THEN 'At Risk - Inactive'
        WHEN p.total_credits_consumed = 0 THEN 'Not Using Credits'
        WHEN p.net_credit_balance < 0 THEN 'Low Balance - Upsell Opportunity'
        ELSE 'Healthy'
    END AS customer_status,
    ROUND((p.total_credits_consumed / NULLIF(p.active_days, 0))::numeric, 2) AS avg_daily_usage
FROM per_user p
LEFT JOIN {{organizations}} o ON o.org_id = p.org_id
LEFT JOIN {{users}} u ON u.user_id = p.user_id`

const orgSummarySQL = `
WITH per_org AS (
    SELECT
        org_id,
        SUM(CASE WHEN action = 'add' THEN credits WHEN action = 'deduct' THEN -credits ELSE 0 END) AS net_credit_balance,
        SUM(CASE WHEN action = 'add' THEN credits ELSE 0 END) AS total_credits_added,
        SUM(CASE WHEN action = 'deduct' THEN credits ELSE 0 END) AS total_credits_used,
        COUNT(DISTINCT user_id) AS active_users,
        COUNT(*) AS total_transactions,
        ROUND(AVG(credits)::numeric, 2) AS avg_transaction_value
    FROM {{table}}
    GROUP BY org_id
)
SELECT
    p.org_id,
    o.org_name AS organization,
    o.industry,
    p.net_credit_balance,
    p.total_credits_added,
    p.total_credits_used,
    p.active_users,
    p.total_transactions,
    CASE
        WHEN p.net_credit_balance > 0 THEN 'In Credit - No Action Required'
        WHEN p.net_credit_balance < 0 THEN 'In Debit - Invoice Required'
        ELSE 'Balanced - No Action Required'
    END AS invoice_status,
    p.avg_transaction_value
FROM per_org p
LEFT JOIN {{organizations}} o ON o.org_id = p.org_id`

// Ties on frequency are broken by byte order of the value (COLLATE "C") so
// the result does not depend on row order or server locale.
const executiveSummarySQL = `
WITH activity AS (
    SELECT
        org_id,
        user_id,
        action,
        credits,
        CASE WHEN "timestamp" <> {{sentinel}}
            THEN ("timestamp" AT TIME ZONE 'UTC')::date
        END AS activity_date
    FROM {{table}}
    WHERE credit_type <> 'default'
),
per_org AS (
    SELECT
        org_id,
        COUNT(DISTINCT user_id) AS total_users,
        COUNT(DISTINCT activity_date) AS active_days,
        SUM(credits) AS total_credit_volume,
        COUNT(*) AS total_actions,
        ROUND(AVG(credits)::numeric, 2) AS avg_credit_per_action,
        MIN(activity_date) AS first_activity,
        MAX(activity_date) AS last_activity
    FROM activity
    GROUP BY org_id
),
action_rank AS (
    SELECT
        org_id,
        action,
        ROW_NUMBER() OVER (PARTITION BY org_id ORDER BY COUNT(*) DESC, action COLLATE "C" ASC) AS rn
    FROM activity
    WHERE action IS NOT NULL
    GROUP BY org_id, action
),
user_rank AS (
    SELECT
        org_id,
        user_id,
        ROW_NUMBER() OVER (PARTITION BY org_id ORDER BY COUNT(*) DESC, user_id COLLATE "C" ASC) AS rn
    FROM activity
    GROUP BY org_id, user_id
)
SELECT
    p.org_id,
    o.org_name AS organization,
    o.industry,
    p.total_users,
    p.active_days,
    p.total_credit_volume,
    p.total_actions,
    p.avg_credit_per_action,
    ar.action AS primary_action_type,
    ur.user_id AS most_active_user_id,
    u.user_name AS most_active_user,
    p.first_activity,
    p.last_activity
FROM per_org p
LEFT JOIN {{organizations}} o ON o.org_id = p.org_id
LEFT JOIN action_rank ar ON ar.org_id = p.org_id AND ar.rn = 1
LEFT JOIN user_rank ur ON ur.org_id = p.org_id AND ur.rn = 1
LEFT JOIN {{users}} u ON u.user_id = ur.user_id`
