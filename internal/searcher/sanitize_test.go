package searcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeQuery(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "password reset instructions", "password reset instructions"},
		{"trims and collapses", "  hand \t hygiene\n\npolicy  ", "hand hygiene policy"},
		{"control characters", "sepsis\x00\x1b[31m bundle", "sepsis31m bundle"},
		{"sql metacharacters", "x'; DROP TABLE chunks; --", "x'; DROP TABLE chunks; --"},
		{"angle brackets and braces", "<script>{alert}</script>", "scriptalert/script"},
		{"unicode letters", "Überprüfung der Richtlinie", "Überprüfung der Richtlinie"},
		{"keeps allowed punctuation", "ICU/CCU (2024) 50% #meds @night", "ICU/CCU (2024) 50% #meds @night"},
		{"only junk", "<<>>{}[]", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeQuery(tt.in))
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", truncateRunes("héllo", 4))
	assert.Equal(t, "héllo", truncateRunes("héllo", 10))
	assert.Equal(t, "", truncateRunes("héllo", 0))
}
