package transcript

import (
	"testing"
	"time"
)

func TestCollapseRepeats(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "repeated pair",
			in:   "vitals stable vitals stable patient resting",
			want: "vitals stable patient resting",
		},
		{
			name: "adjacent duplicate token",
			in:   "temperature temperature is stable",
			want: "temperature is stable",
		},
		{
			name: "many repeats of one phrase",
			in:   "heart rate 72 heart rate 72 heart rate 72 regular",
			want: "heart rate 72 regular",
		},
		{
			name: "nothing to collapse",
			in:   "lungs clear bilaterally",
			want: "lungs clear bilaterally",
		},
		{
			name: "whitespace normalized",
			in:   "  skin   warm  dry ",
			want: "skin warm dry",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
		{
			name: "segments renumbered",
			in:   "alert alert\n[02:13] pupils equal pupils equal\n[05:40] no distress",
			want: "alert\n[00:10] pupils equal\n[00:20] no distress",
		},
		{
			name: "empty segments dropped",
			in:   "first\n[00:05]  \n[00:09] second",
			want: "first\n[00:10] second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CollapseRepeats(tt.in); got != tt.want {
				t.Errorf("CollapseRepeats(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCollapseRepeats_WindowLimit(t *testing.T) {
	in := "a b c d a b c d"

	if got := CollapseRepeatsWith(in, CollapseOptions{MaxWindow: 3}); got != in {
		t.Errorf("CollapseRepeatsWith(window 3) = %q, want unchanged", got)
	}
	if got := CollapseRepeatsWith(in, CollapseOptions{MaxWindow: 4}); got != "a b c d" {
		t.Errorf("CollapseRepeatsWith(window 4) = %q, want %q", got, "a b c d")
	}
}

func TestCollapseRepeats_Spacing(t *testing.T) {
	got := CollapseRepeatsWith("one\n[00:01] two", CollapseOptions{SegmentSpacing: 30 * time.Second})
	if want := "one\n[00:30] two"; got != want {
		t.Errorf("CollapseRepeatsWith() = %q, want %q", got, want)
	}
}

func TestCollapseRepeats_Idempotent(t *testing.T) {
	inputs := []string{
		"vitals stable vitals stable patient resting",
		"a a b b a a\n[00:03] c d c d",
		"bp 120 over 80 bp 120 over 80",
	}

	for _, in := range inputs {
		once := CollapseRepeats(in)
		if twice := CollapseRepeats(once); twice != once {
			t.Errorf("CollapseRepeats not stable for %q: %q then %q", in, once, twice)
		}
	}
}
