package types

import (
	"bytes"
	"sort"
	"testing"
	"time"
)

func TestULIDGenerator_SequentialIDsSortInLoadOrder(t *testing.T) {
	gen := NewULIDGenerator()

	var ids []ULID
	for i := 0; i < 50; i++ {
		id, err := gen.Generate()
		if err != nil {
			t.Fatalf("failed to generate ULID: %v", err)
		}
		ids = append(ids, id)
	}

	// Batch IDs carry the raw log's total order: generation order and
	// lexicographic order must agree even when timestamps collide.
	sorted := make([]ULID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("generation order broken at %d: %s", i, ids[i])
		}
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] == ids[i] {
			t.Errorf("duplicate ULID at index %d: %s", i, ids[i])
		}
	}
}

func TestULIDGenerator_TimeOrdering(t *testing.T) {
	gen := NewULIDGenerator()

	earlier, err := gen.GenerateWithTime(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("failed to generate ULID: %v", err)
	}
	later, err := gen.GenerateWithTime(time.Date(2025, 6, 1, 10, 0, 1, 0, time.UTC))
	if err != nil {
		t.Fatalf("failed to generate ULID: %v", err)
	}

	if earlier.Compare(later) >= 0 {
		t.Errorf("time ordering broken: %s >= %s", earlier, later)
	}
}

func TestULIDGenerator_MonotonicWithinMillisecond(t *testing.T) {
	gen := NewULIDGenerator()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// A burst of batches can land inside one millisecond; their IDs
	// must still be strictly increasing.
	prev, err := gen.GenerateWithTime(at)
	if err != nil {
		t.Fatalf("failed to generate ULID: %v", err)
	}
	for i := 0; i < 100; i++ {
		next, err := gen.GenerateWithTime(at)
		if err != nil {
			t.Fatalf("failed to generate ULID: %v", err)
		}
		if prev.Compare(next) >= 0 {
			t.Fatalf("monotonicity broken at %d: %s >= %s", i, prev, next)
		}
		prev = next
	}
}

func TestULID_TimestampRoundTrip(t *testing.T) {
	gen := NewULIDGenerator()
	at := time.Date(2025, 2, 5, 10, 30, 0, 0, time.UTC)

	id, err := gen.GenerateWithTime(at)
	if err != nil {
		t.Fatalf("failed to generate ULID: %v", err)
	}

	if id.Timestamp() != uint64(at.UnixMilli()) {
		t.Errorf("timestamp mismatch: got %d, want %d", id.Timestamp(), at.UnixMilli())
	}
	if !id.Time().Equal(at) {
		t.Errorf("time mismatch: got %v, want %v", id.Time(), at)
	}
}

func TestULID_StringRoundTrip(t *testing.T) {
	gen := NewULIDGenerator()

	id, err := gen.Generate()
	if err != nil {
		t.Fatalf("failed to generate ULID: %v", err)
	}

	s := id.String()
	if len(s) != 26 {
		t.Fatalf("string length mismatch: got %d, want 26", len(s))
	}

	parsed, err := ParseULID(s)
	if err != nil {
		t.Fatalf("failed to parse ULID: %v", err)
	}
	if parsed != id {
		t.Errorf("round trip mismatch: got %s, want %s", parsed, id)
	}
}

func TestULID_BytesRoundTrip(t *testing.T) {
	gen := NewULIDGenerator()

	id, err := gen.Generate()
	if err != nil {
		t.Fatalf("failed to generate ULID: %v", err)
	}

	b := id.Bytes()
	if len(b) != 16 {
		t.Fatalf("byte length mismatch: got %d, want 16", len(b))
	}

	decoded, err := ULIDFromBytes(b)
	if err != nil {
		t.Fatalf("failed to decode ULID bytes: %v", err)
	}
	if decoded != id {
		t.Errorf("round trip mismatch: got %s, want %s", decoded, id)
	}
}

func TestULID_ZeroValueMarksUnassigned(t *testing.T) {
	// Intake assigns an ID to any batch that arrives without one; the
	// zero value is the sentinel it checks for.
	gen := NewULIDGenerator()

	id, err := gen.Generate()
	if err != nil {
		t.Fatalf("failed to generate ULID: %v", err)
	}
	if id == (ULID{}) {
		t.Error("generated ULID equals the zero value")
	}
}

func TestParseULID_RejectsBadInput(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrInvalidULIDLength},
		{"truncated", "01HZ", ErrInvalidULIDLength},
		{"excluded letter I", "01234567890123456789012I45", ErrInvalidULIDCharacter},
		{"excluded letter U", "0123456789012345678901234U", ErrInvalidULIDCharacter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseULID(tc.input); err != tc.want {
				t.Errorf("error mismatch: got %v, want %v", err, tc.want)
			}
		})
	}
}
