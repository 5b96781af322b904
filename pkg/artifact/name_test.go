package artifact

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "photosynthesis", "photosynthesis"},
		{"spaces", "TCP three way handshake", "TCP_three_way_handshake"},
		{"reserved chars", `a<b>c:d"e/f\g|h?i*j`, "a_b_c_d_e_f_g_h_i_j"},
		{"collapse repeats", "a   //  b", "a_b"},
		{"trim edges", "  ..topic..  ", "topic"},
		{"control chars", "line\x00one\ttwo", "line_one_two"},
		{"unicode kept", "Schaubild über Photosynthese", "Schaubild_über_Photosynthese"},
		{"only reserved", "???", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeCapsLength(t *testing.T) {
	got := Sanitize(strings.Repeat("ä", 200))
	if n := len([]rune(got)); n != maxSlugRunes {
		t.Errorf("len = %d runes, want %d", n, maxSlugRunes)
	}
}

func TestNameUniquePerRun(t *testing.T) {
	a := Name("Krebs cycle", "run_aaaaaaaaaaaa000000000000")
	b := Name("Krebs cycle", "run_bbbbbbbbbbbb000000000000")

	if a == b {
		t.Fatalf("same topic produced identical names %q", a)
	}
	if a != "diagram_krebs_cycle_aaaaaaaaaaaa" {
		t.Errorf("Name() = %q", a)
	}
}

func TestNameEmptyTopic(t *testing.T) {
	if got := Name("///", "run_0123456789ab000000000000"); got != "diagram_untitled_0123456789ab" {
		t.Errorf("Name() = %q", got)
	}
}
