package tgui

import "testing"

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello…"},
		{"héllo wörld", 4, "héll…"},
		{"abc", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d)=%q want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestFold(t *testing.T) {
	t.Parallel()

	if got := Fold("  a\n\tb   c  "); got != "a b c" {
		t.Fatalf("Fold=%q", got)
	}
	if got := Fold(" \n\t "); got != "" {
		t.Fatalf("Fold(blank)=%q", got)
	}
}

func TestLinesQuotesPrefixedRuns(t *testing.T) {
	t.Parallel()

	got := Lines("a <b>\n> one\n> two\nc").String()
	want := "a &lt;b&gt;\n<blockquote>one\ntwo</blockquote>\nc"
	if got != want {
		t.Fatalf("Lines=%q want %q", got, want)
	}
}
