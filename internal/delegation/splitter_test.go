package delegation

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleFeed = "2|apnic|20240101|5|19830613|20240101|+1000\n" +
	"# delegated-apnic-latest\n" +
	"apnic|*|ipv4|*|4|summary\n" +
	"\n" +
	"apnic|CN|ipv4|1.2.3.0|256|20200101|allocated\n" +
	"apnic|JP|ipv4|1.2.5.0|256|20200101|allocated\n" +
	"apnic|CN|ipv4|1.2.4.0|256|20200101|allocated\r\n" +
	"apnic|CN|ipv6|2001:db8::|32|20200101|allocated\n" +
	"apnic|CN|asn|4608|1|20200101|allocated\n" +
	"apnic|CN|ipv4|1.2.8.0|768|20200101|allocated"

var sampleFeedIPv4CN = []string{"1.2.3.0/24", "1.2.4.0/24", "1.2.8.0/23", "1.2.10.0/24"}

func prefixStrings(ps []netip.Prefix) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

// parseChunks feeds chunks through a splitter and returns the accepted prefixes.
func parseChunks(t *testing.T, f Filter, chunks ...string) ([]string, error) {
	t.Helper()
	snap := NewSnapshot()
	s := NewLineSplitter(DefaultMaxLineBytes, func(line []byte) error {
		ps, err := f.Parse(line)
		if err != nil {
			return nil
		}
		for _, p := range ps {
			snap.Add(p)
		}
		return nil
	})
	for _, c := range chunks {
		if _, err := s.Write([]byte(c)); err != nil {
			return nil, err
		}
	}
	if err := s.Close(); err != nil {
		return nil, err
	}
	return prefixStrings(snap.Prefixes()), nil
}

func TestLineSplitter_Whole(t *testing.T) {
	got, err := parseChunks(t, Filter{Country: "CN", Family: FamilyIPv4}, sampleFeed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(sampleFeedIPv4CN, got); diff != "" {
		t.Errorf("prefixes mismatch (-want +got):\n%s", diff)
	}
}

func TestLineSplitter_EverySplitOffset(t *testing.T) {
	f := Filter{Country: "CN", Family: FamilyIPv4}
	for i := 0; i <= len(sampleFeed); i++ {
		got, err := parseChunks(t, f, sampleFeed[:i], sampleFeed[i:])
		if err != nil {
			t.Fatalf("split at %d: unexpected error: %v", i, err)
		}
		if diff := cmp.Diff(sampleFeedIPv4CN, got); diff != "" {
			t.Fatalf("split at %d: prefixes mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestLineSplitter_ByteAtATime(t *testing.T) {
	chunks := make([]string, len(sampleFeed))
	for i := range sampleFeed {
		chunks[i] = sampleFeed[i : i+1]
	}
	got, err := parseChunks(t, Filter{Country: "CN", Family: FamilyIPv4}, chunks...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(sampleFeedIPv4CN, got); diff != "" {
		t.Errorf("prefixes mismatch (-want +got):\n%s", diff)
	}
}

func TestLineSplitter_SkipsCommentsAndBlankLines(t *testing.T) {
	var lines []string
	s := NewLineSplitter(DefaultMaxLineBytes, func(line []byte) error {
		lines = append(lines, string(line))
		return nil
	})
	if _, err := s.Write([]byte("# header\n\n\r\nfirst\r\nsecond\n#tail")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"first", "second"}, lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
	if s.Lines() != 2 {
		t.Errorf("expected 2 data lines, got %d", s.Lines())
	}
}

func TestLineSplitter_LineAtBound(t *testing.T) {
	s := NewLineSplitter(DefaultMaxLineBytes, func([]byte) error { return nil })
	line := strings.Repeat("x", DefaultMaxLineBytes) + "\n"
	if _, err := s.Write([]byte(line)); err != nil {
		t.Fatalf("expected line of exactly %d bytes to be accepted, got %v", DefaultMaxLineBytes, err)
	}
}

func TestLineSplitter_LineTooLong(t *testing.T) {
	line := strings.Repeat("x", DefaultMaxLineBytes+1) + "\n"

	s := NewLineSplitter(DefaultMaxLineBytes, func([]byte) error { return nil })
	_, err := s.Write([]byte(line))
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got %v", err)
	}
	// The splitter stays failed.
	if _, err := s.Write([]byte("ok\n")); !errors.Is(err, ErrLineTooLong) {
		t.Errorf("expected sticky ErrLineTooLong, got %v", err)
	}
}

func TestLineSplitter_LineTooLongAcrossChunks(t *testing.T) {
	s := NewLineSplitter(DefaultMaxLineBytes, func([]byte) error { return nil })
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		_, err = s.Write([]byte(strings.Repeat("y", 20)))
	}
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong for unterminated oversized tail, got %v", err)
	}
}

func TestLineSplitter_UnterminatedTooLongOnClose(t *testing.T) {
	s := NewLineSplitter(4, func([]byte) error { return nil })
	if _, err := s.Write([]byte("abcd\r")); err != nil {
		t.Fatalf("a pending CR must not trip the bound early: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("expected 4-byte line to pass once CR is stripped, got %v", err)
	}
}

func TestLineSplitter_CallbackError(t *testing.T) {
	boom := errors.New("boom")
	s := NewLineSplitter(DefaultMaxLineBytes, func([]byte) error { return boom })
	if _, err := s.Write([]byte("a\n")); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
}
