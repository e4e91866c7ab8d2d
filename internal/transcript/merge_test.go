package transcript

import (
	"math/rand"
	"strings"
	"testing"
	"time"
)

func TestDelimiter(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    string
	}{
		{0, "\n[00:00] "},
		{75 * time.Second, "\n[01:15] "},
		{3725 * time.Second, "\n[62:05] "},
		{-5 * time.Second, "\n[00:00] "},
		{1500 * time.Millisecond, "\n[00:01] "},
	}

	for _, tt := range tests {
		if got := Delimiter(tt.elapsed); got != tt.want {
			t.Errorf("Delimiter(%v) = %q, want %q", tt.elapsed, got, tt.want)
		}
	}
}

func TestLastSegment(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"no delimiter here", "no delimiter here"},
		{"first\n[00:10] second", "second"},
		{"first\n[00:10] second\n[01:20] third part", "third part"},
		{"bracket [00:10] without newline", "bracket [00:10] without newline"},
	}

	for _, tt := range tests {
		if got := LastSegment(tt.in); got != tt.want {
			t.Errorf("LastSegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		incoming string
		elapsed  time.Duration
		want     string
	}{
		{
			name:     "empty existing",
			incoming: "patient alert",
			want:     "patient alert",
		},
		{
			name:     "empty incoming",
			existing: "patient alert",
			incoming: "   ",
			want:     "patient alert",
		},
		{
			name:     "incoming trimmed",
			incoming: "  patient alert \n",
			want:     "patient alert",
		},
		{
			name:     "extension of last segment",
			existing: "patient alert",
			incoming: "patient alert and oriented",
			want:     "patient alert and oriented",
		},
		{
			name:     "extension after delimiter",
			existing: "skin warm\n[00:10] heart rate",
			incoming: "heart rate 72",
			want:     "skin warm\n[00:10] heart rate 72",
		},
		{
			name:     "subset of existing",
			existing: "patient alert and oriented",
			incoming: "alert and",
			want:     "patient alert and oriented",
		},
		{
			name:     "prefix of last segment",
			existing: "skin warm\n[00:10] heart rate 72 regular",
			incoming: "heart rate 72",
			want:     "skin warm\n[00:10] heart rate 72 regular",
		},
		{
			name:     "disjoint content",
			existing: "patient alert",
			incoming: "bp 120 over 80",
			elapsed:  195 * time.Second,
			want:     "patient alert\n[03:15] bp 120 over 80",
		},
		{
			name:     "extension repeating earlier speech",
			existing: "vitals stable\n[00:10] vitals",
			incoming: "vitals stable",
			elapsed:  20 * time.Second,
			want:     "vitals stable\n[00:10] vitals stable",
		},
		{
			name:     "existing ends in delimiter",
			existing: "skin warm\n[00:10] ",
			incoming: "heart rate 72",
			elapsed:  30 * time.Second,
			want:     "skin warm\n[00:10] heart rate 72",
		},
		{
			name:     "incoming already at the tail",
			existing: "a\n[00:05] b\n[00:09] c",
			incoming: "b\n[00:09] c",
			want:     "a\n[00:05] b\n[00:09] c",
		},
		{
			// A restart that rewords earlier speech is not detected as an
			// extension and is kept alongside the earlier wording.
			name:     "reworded restart appended",
			existing: "blood pressure one twenty",
			incoming: "blood pressure is one twenty over eighty",
			elapsed:  40 * time.Second,
			want:     "blood pressure one twenty\n[00:40] blood pressure is one twenty over eighty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Merge(tt.existing, tt.incoming, tt.elapsed); got != tt.want {
				t.Errorf("Merge(%q, %q) = %q, want %q", tt.existing, tt.incoming, got, tt.want)
			}
		})
	}
}

func TestMerge_Idempotent(t *testing.T) {
	pairs := [][2]string{
		{"", ""},
		{"", "a"},
		{"a", ""},
		{"patient alert", "patient alert and oriented"},
		{"patient alert and oriented", "alert"},
		{"patient alert", "bp 120 over 80"},
		{"x\n[00:05] lungs clear", "lungs clear bilaterally"},
		{"x\n[00:05] lungs clear bilaterally", "lungs"},
		{"one two", " one two three "},
		{"blood pressure one twenty", "blood pressure is one twenty over eighty"},
		{"\n[00:01] ", "text"},
	}

	for _, p := range pairs {
		once := Merge(p[0], p[1], 30*time.Second)
		twice := Merge(once, p[1], 90*time.Second)
		if once != twice {
			t.Errorf("Merge not idempotent for (%q, %q): %q then %q", p[0], p[1], once, twice)
		}
	}
}

// randomTranscript builds delimiter-bearing text from a small vocabulary so
// that repeats across segments are common.
func randomTranscript(r *rand.Rand, words []string) string {
	var b strings.Builder
	segments := 1 + r.Intn(3)
	for i := 0; i < segments; i++ {
		if i > 0 {
			b.WriteString(Delimiter(time.Duration(r.Intn(600)) * time.Second))
		}
		n := 1 + r.Intn(4)
		for j := 0; j < n; j++ {
			if j > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(words[r.Intn(len(words))])
		}
	}
	return b.String()
}

func TestMerge_IdempotentGenerated(t *testing.T) {
	words := []string{"vitals", "stable", "pulse", "72", "alert", "bp"}
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		existing := randomTranscript(r, words)
		var incoming string
		switch r.Intn(3) {
		case 0:
			// grow the last segment
			incoming = LastSegment(existing) + " " + words[r.Intn(len(words))]
		case 1:
			incoming = randomTranscript(r, words[:2])
			incoming = Segments(incoming)[0]
		default:
			incoming = Segments(randomTranscript(r, words))[0]
		}

		once := Merge(existing, incoming, 30*time.Second)
		twice := Merge(once, incoming, 90*time.Second)
		if once != twice {
			t.Fatalf("Merge not idempotent for (%q, %q): %q then %q", existing, incoming, once, twice)
		}
		if !strings.HasPrefix(once, existing) {
			t.Fatalf("Merge(%q, %q) = %q dropped existing text", existing, incoming, once)
		}
		if !strings.Contains(once, strings.TrimSpace(incoming)) {
			t.Fatalf("Merge(%q, %q) = %q lost incoming text", existing, incoming, once)
		}
	}
}

func TestMerge_ContainsIncoming(t *testing.T) {
	pairs := [][2]string{
		{"patient alert", "patient alert and oriented"},
		{"patient alert", "skin pink"},
		{"a\n[00:01] b", "b c"},
	}

	for _, p := range pairs {
		got := Merge(p[0], p[1], time.Minute)
		if !strings.Contains(got, strings.TrimSpace(p[1])) {
			t.Errorf("Merge(%q, %q) = %q does not contain incoming", p[0], p[1], got)
		}
		if !strings.HasPrefix(got, p[0]) {
			t.Errorf("Merge(%q, %q) = %q does not keep existing as prefix", p[0], p[1], got)
		}
	}
}

func TestMerge_DisjointLength(t *testing.T) {
	existing := "respirations even"
	incoming := "pain four out of ten"
	elapsed := 61 * time.Second

	got := Merge(existing, incoming, elapsed)
	want := len(existing) + len(Delimiter(elapsed)) + len(incoming)
	if len(got) != want {
		t.Errorf("len(Merge()) = %d, want %d", len(got), want)
	}
}
