package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/credits-etl/internal/etl"
	"github.com/sells-group/credits-etl/internal/views"
)

// Output formats for report commands.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().String("format", formatTable, "output format (table, json, yaml)")
}

// render writes v as JSON or YAML, or calls table for the tabular format.
func render(out io.Writer, format string, v any, table func(io.Writer)) error {
	switch format {
	case formatTable, "":
		table(out)
		return nil
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		return eris.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

func renderRunReport(out io.Writer, format string, r *etl.Report) error {
	return render(out, format, r, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "Run:\t%s\n", r.RunID)
		_, _ = fmt.Fprintf(tw, "Source:\t%s\n", r.Source)
		_, _ = fmt.Fprintf(tw, "Extracted:\t%d\n", r.Extracted)
		if s := r.Transform; s != nil {
			_, _ = fmt.Fprintf(tw, "Transformed:\t%d\n", s.Output)
			_, _ = fmt.Fprintf(tw, "  Dropped (missing ids):\t%d\n", s.DroppedMissingIDs)
			_, _ = fmt.Fprintf(tw, "  Dropped (org conflict):\t%d\n", s.DroppedOrgConflicts)
			_, _ = fmt.Fprintf(tw, "  Orgs back-filled:\t%d\n", s.OrgsBackfilled)
			_, _ = fmt.Fprintf(tw, "  Sentinel timestamps:\t%d\n", s.TimestampsSentinel)
			_, _ = fmt.Fprintf(tw, "  Credits defaulted:\t%d\n", s.CreditsDefaulted)
			_, _ = fmt.Fprintf(tw, "  Credit types defaulted:\t%d\n", s.CreditTypesDefaulted)
			_, _ = fmt.Fprintf(tw, "  Unclassified actions:\t%d\n", s.ActionsUnclassified)
			_, _ = fmt.Fprintf(tw, "  Net credits:\t%g\n", s.NetCredits)
		}
		_, _ = fmt.Fprintf(tw, "Loaded:\t%d\n", r.Loaded)
		_, _ = fmt.Fprintf(tw, "Elapsed:\t%s\n", r.Elapsed.Round(time.Millisecond))
		_ = tw.Flush()

		if r.Build != nil {
			_, _ = fmt.Fprintln(w)
			formatBuildReport(w, *r.Build)
		}
		if len(r.Refresh.Outcomes) > 0 {
			_, _ = fmt.Fprintln(w)
			formatRefreshReport(w, r.Refresh)
		}
		if len(r.Validation.Results) > 0 {
			_, _ = fmt.Fprintln(w)
			formatValidationReport(w, r.Validation)
		}
	})
}

func renderBuildReport(out io.Writer, format string, r views.BuildReport) error {
	return render(out, format, r, func(w io.Writer) { formatBuildReport(w, r) })
}

func renderRefreshReport(out io.Writer, format string, r views.RefreshReport, v views.ValidationReport) error {
	payload := struct {
		Refresh    views.RefreshReport    `json:"refresh" yaml:"refresh"`
		Validation views.ValidationReport `json:"validation" yaml:"validation"`
	}{r, v}
	return render(out, format, payload, func(w io.Writer) {
		formatRefreshReport(w, r)
		_, _ = fmt.Fprintln(w)
		formatValidationReport(w, v)
	})
}

func renderValidationReport(out io.Writer, format string, r views.ValidationReport) error {
	return render(out, format, r, func(w io.Writer) { formatValidationReport(w, r) })
}

func renderCatalog(out io.Writer, format string, defs []views.Definition) error {
	return render(out, format, defs, func(w io.Writer) { formatCatalog(w, defs) })
}

func formatBuildReport(out io.Writer, r views.BuildReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VIEW\tBUILT\tELAPSED\tDIAGNOSTIC")
	_, _ = fmt.Fprintln(w, "----\t-----\t-------\t----------")
	for _, o := range r.Outcomes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.View, yesNo(o.OK), o.Elapsed.Round(time.Millisecond), o.Diagnostic)
	}
	_ = w.Flush()
}

func formatRefreshReport(out io.Writer, r views.RefreshReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VIEW\tSTATE\tSTRATEGY\tTRACE\tDIAGNOSTIC")
	_, _ = fmt.Fprintln(w, "----\t-----\t--------\t-----\t----------")
	for _, o := range r.Outcomes {
		trace := make([]string, len(o.Trace))
		for i, s := range o.Trace {
			trace[i] = s.String()
		}
		strategy := o.Strategy
		if strategy == "" {
			strategy = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.View, o.State, strategy, strings.Join(trace, " > "), o.Diagnostic)
	}
	_ = w.Flush()
}

func formatValidationReport(out io.Writer, r views.ValidationReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TARGET\tROWS\tSTATUS\tDIAGNOSTIC")
	_, _ = fmt.Fprintln(w, "------\t----\t------\t----------")
	for _, v := range r.Results {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", v.Target, v.Rows, v.Status, v.Diagnostic)
	}
	_ = w.Flush()
}

func formatCatalog(out io.Writer, defs []views.Definition) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VIEW\tAUDIENCE\tCLASS\tUNIQUE KEY\tCOLUMNS")
	_, _ = fmt.Fprintln(w, "----\t--------\t-----\t----------\t-------")
	for _, d := range defs {
		key := "-"
		if idx, ok := d.UniqueIndex(); ok {
			key = strings.Join(idx.Columns, ", ")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Audience, d.Class, key, strings.Join(d.Columns, ", "))
	}
	_ = w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
