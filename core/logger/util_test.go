package logger

import "testing"

func TestSummarizeStrings(t *testing.T) {
	got, truncated := SummarizeStrings([]string{"a", "b", "c"}, 2)
	if got != "a, b" || !truncated {
		t.Fatalf("got %q truncated=%v", got, truncated)
	}
	got, truncated = SummarizeStrings([]string{"a"}, 2)
	if got != "a" || truncated {
		t.Fatalf("got %q truncated=%v", got, truncated)
	}
	if got, truncated := SummarizeStrings([]string{"a"}, 0); got != "" || !truncated {
		t.Fatalf("zero limit: got %q truncated=%v", got, truncated)
	}
}

func TestMaskNumber(t *testing.T) {
	cases := map[string]string{
		"27820000001": "2782*****01",
		"123456":      "123456",
		"":            "",
	}
	for in, want := range cases {
		if got := MaskNumber(in); got != want {
			t.Errorf("MaskNumber(%q) = %q, want %q", in, got, want)
		}
	}
}
