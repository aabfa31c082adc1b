package synckey

import (
	"testing"

	"github.com/airsync/syncstate/internal/syncerr"
)

func TestParseValid(t *testing.T) {
	k, err := Parse("{abc-123}42")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if k.GUID != "abc-123" || k.N != 42 {
		t.Fatalf("got %+v", k)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{"", "abc123", "{abc}", "{abc}-1", "{}1", "no-braces-1"}
	for _, c := range cases {
		if _, err := Parse(c); !syncerr.Is(err, syncerr.ProtocolError) {
			t.Errorf("Parse(%q): expected ProtocolError, got %v", c, err)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	k := Key{GUID: "G1", N: 7}
	s := k.String()
	parsed, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", s, err)
	}
	if parsed != k {
		t.Fatalf("round trip mismatch: got %+v want %+v", parsed, k)
	}
}

func TestSameSeries(t *testing.T) {
	a := Key{GUID: "G1", N: 1}
	b := Key{GUID: "G1", N: 2}
	c := Key{GUID: "G2", N: 1}
	if !a.SameSeries(b) {
		t.Error("expected a, b to share a series")
	}
	if a.SameSeries(c) {
		t.Error("expected a, c to differ in series")
	}
}

func TestNextAdvancesGeneration(t *testing.T) {
	a := New()
	if a.N != 1 {
		t.Fatalf("New() should start at generation 1, got %d", a.N)
	}
	b := Next(a)
	if !a.SameSeries(b) {
		t.Fatal("Next() changed series")
	}
	if Counter(b) != Counter(a)+1 {
		t.Fatalf("Next() generation = %d, want %d", Counter(b), Counter(a)+1)
	}
}

func TestPrevious(t *testing.T) {
	k := Key{GUID: "G1", N: 5}
	p := k.Previous()
	if p.GUID != "G1" || p.N != 4 {
		t.Fatalf("Previous() = %+v, want {G1 4}", p)
	}
}

func TestNewGeneratesDistinctSeries(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		k := New()
		if seen[k.GUID] {
			t.Fatalf("duplicate series generated: %s", k.GUID)
		}
		seen[k.GUID] = true
	}
}
