package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
	}{
		{"main", true},
		{"work-2", true},
		{"team_chat", true},
		{"a", true},
		{strings.Repeat("x", 64), true},
		{"", false},
		{"Work", false},
		{"two words", false},
		{"../escape", false},
		{"a.b", false},
		{strings.Repeat("x", 65), false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidName)
		})
	}
}
