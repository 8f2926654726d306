package model

import (
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestAction_Sign(t *testing.T) {
	tests := []struct {
		action Action
		want   float64
	}{
		{ActionAdd, 1},
		{ActionDeduct, -1},
		{Action("refund"), 0},
		{Action(""), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.action.Sign())
		})
	}
}

func TestAction_Classified(t *testing.T) {
	assert.True(t, ActionAdd.Classified())
	assert.True(t, ActionDeduct.Classified())
	assert.False(t, Action("transfer").Classified())
}

func TestCanonicalRecord_Signed(t *testing.T) {
	add := CanonicalRecord{Action: ActionAdd, Credits: 10}
	deduct := CanonicalRecord{Action: ActionDeduct, Credits: 3}
	other := CanonicalRecord{Action: "view", Credits: 99}

	assert.Equal(t, 7.0, add.Signed()+deduct.Signed()+other.Signed())
}

func TestCanonicalRecord_Values(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r := CanonicalRecord{OrgID: "org_1", UserID: "u1", CreditType: "api", Action: ActionAdd, Credits: 2.5, Timestamp: ts}
	assert.Equal(t, []any{"org_1", "u1", "api", "add", 2.5, ts}, r.Values())

	r.Action = ""
	vals := r.Values()
	assert.Nil(t, vals[3], "empty action should be stored as NULL")
	assert.Len(t, vals, len(Columns))
}

func TestIsSentinel(t *testing.T) {
	assert.True(t, IsSentinel(time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, IsSentinel(time.Date(1990, 1, 1, 0, 0, 1, 0, time.UTC)))
}

func TestKindOf(t *testing.T) {
	base := errors.New("connection refused")
	err := eris.Wrap(NewError(KindStoreConnectivity, "load: copy rows", base), "pipeline: load")

	assert.Equal(t, KindStoreConnectivity, KindOf(err))
	assert.True(t, IsKind(err, KindStoreConnectivity))
	assert.False(t, IsKind(err, KindViewDefinition))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, KindUnknown, KindOf(base))
	assert.False(t, IsKind(nil, KindUnknown))
}

func TestError_Message(t *testing.T) {
	err := NewError(KindViewDefinition, "views: build executive_summary", errors.New("syntax error"))
	assert.Equal(t, "views: build executive_summary: syntax error", err.Error())
	assert.Equal(t, "view_definition", err.Kind.String())
}
