package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateIdent(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"user_actions", false},
		{"analytics.user_actions", false},
		{"_tmp1", false},
		{"", true},
		{"User_Actions", true},
		{"user_actions; DROP TABLE users", true},
		{"a.b.c", true},
		{"1table", true},
		{`"quoted"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdent(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"analytics.user_actions", `"analytics"."user_actions"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, QuoteIdent(tt.input))
		})
	}
}
