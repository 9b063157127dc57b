package privacykit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privacykit/privacykit/pkg/privacykit"
)

func TestParseRetention(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"30 days", 30 * 24 * time.Hour},
		{"1 day", 24 * time.Hour},
		{"2 weeks", 14 * 24 * time.Hour},
		{"6 months", 6 * 30 * 24 * time.Hour},
		{"1 year", 365 * 24 * time.Hour},
		{"2 years", 2 * 365 * 24 * time.Hour},
		{"90days", 90 * 24 * time.Hour},
		{"  1 Year  ", 365 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := privacykit.ParseRetention(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRetentionRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "soon", "days 30", "-1 days", "1 fortnight"} {
		t.Run(input, func(t *testing.T) {
			_, err := privacykit.ParseRetention(input)
			assert.ErrorIs(t, err, privacykit.ErrConfig)
		})
	}
}
