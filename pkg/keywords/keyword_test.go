package keywords

import "testing"

func TestSearchPhrase(t *testing.T) {
	cases := []struct {
		keyword string
		suffix  string
		want    string
	}{
		{"wireless mouse", "", "wireless mouse"},
		{"wireless mouse", " bluetooth", "wireless mouse bluetooth"},
		{"노트북", "거치대", "노트북거치대"},
	}
	for _, c := range cases {
		k := Keyword{Keyword: c.keyword, Suffix: c.suffix}
		if got := k.SearchPhrase(); got != c.want {
			t.Errorf("SearchPhrase(%q, %q) = %q, expected %q", c.keyword, c.suffix, got, c.want)
		}
	}
}

func TestExhausted(t *testing.T) {
	cases := []struct {
		current, max int
		want         bool
	}{
		{0, 10, false},
		{9, 10, false},
		{10, 10, true},
		{11, 10, true},
	}
	for _, c := range cases {
		k := Keyword{CurrentExecutions: c.current, MaxExecutions: c.max}
		if got := k.Exhausted(); got != c.want {
			t.Errorf("Exhausted() with %d/%d = %v, expected %v", c.current, c.max, got, c.want)
		}
	}
}
