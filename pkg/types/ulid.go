package types

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// ULID is a 128-bit lexicographically sortable identifier: a 48-bit
// millisecond timestamp followed by 80 bits of entropy. Raw batch IDs
// are ULIDs so "latest load wins" deduplication has a total order even
// when loaded_at timestamps collide.
type ULID [16]byte

// Crockford's Base32 alphabet. I, L, O and U are excluded.
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// crockfordDecode maps a byte back to its alphabet index, 0xFF for
// bytes outside the alphabet. Lowercase letters decode like uppercase.
var crockfordDecode = buildDecodeTable()

func buildDecodeTable() [256]byte {
	var table [256]byte
	for i := range table {
		table[i] = 0xFF
	}
	for i := 0; i < len(crockfordBase32); i++ {
		c := crockfordBase32[i]
		table[c] = byte(i)
		table[c|0x20] = byte(i)
	}
	return table
}

// ULIDGenerator hands out batch IDs. IDs minted within the same
// millisecond increment the entropy instead of redrawing it, so they
// still sort in mint order.
type ULIDGenerator struct {
	mu      sync.Mutex
	lastMs  uint64
	entropy [10]byte
}

// NewULIDGenerator creates a generator.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{}
}

// Generate mints a ULID at the current wall clock.
func (g *ULIDGenerator) Generate() (ULID, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime mints a ULID at the given time. Backfills use it to
// stamp historical batches.
func (g *ULIDGenerator) GenerateWithTime(t time.Time) (ULID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(t.UnixMilli())
	if ms == g.lastMs {
		// Bump the entropy as a big-endian counter.
		for i := len(g.entropy) - 1; i >= 0; i-- {
			g.entropy[i]++
			if g.entropy[i] != 0 {
				break
			}
		}
	} else {
		if _, err := rand.Read(g.entropy[:]); err != nil {
			return ULID{}, err
		}
		g.lastMs = ms
	}
	return NewULIDFromTimestamp(ms, g.entropy[:]), nil
}

// Bytes returns the raw 16 bytes.
func (u ULID) Bytes() []byte {
	return u[:]
}

// Timestamp returns the embedded Unix millisecond timestamp.
func (u ULID) Timestamp() uint64 {
	return uint64(binary.BigEndian.Uint16(u[0:2]))<<32 | uint64(binary.BigEndian.Uint32(u[2:6]))
}

// Time returns the embedded timestamp as a time.Time.
func (u ULID) Time() time.Time {
	return time.UnixMilli(int64(u.Timestamp()))
}

// String renders the ULID as 26 Crockford Base32 characters. The 128
// bits split into 26 five-bit digits; the two bits left over sit above
// the timestamp and are always zero, so the first character is 0-7.
func (u ULID) String() string {
	var buf [26]byte
	for i := 0; i < 26; i++ {
		buf[25-i] = crockfordBase32[u.digit(i)]
	}
	return string(buf[:])
}

// digit extracts the i-th five-bit group counting from the least
// significant end.
func (u ULID) digit(i int) byte {
	low := 5 * i
	idx := 15 - low/8
	shift := uint(low % 8)
	v := uint16(u[idx]) >> shift
	if idx > 0 {
		v |= uint16(u[idx-1]) << (8 - shift)
	}
	return byte(v & 0x1F)
}

// Compare orders two ULIDs bytewise. Returns -1, 0 or 1.
func (u ULID) Compare(other ULID) int {
	return bytes.Compare(u[:], other[:])
}

// ParseULID parses a 26-character Crockford Base32 string. Lowercase
// input is accepted.
func ParseULID(s string) (ULID, error) {
	if len(s) != 26 {
		return ULID{}, ErrInvalidULIDLength
	}

	var u ULID
	for i := 0; i < 26; i++ {
		d := crockfordDecode[s[i]]
		if d == 0xFF {
			return ULID{}, ErrInvalidULIDCharacter
		}
		u.setDigit(25-i, d)
	}
	return u, nil
}

// setDigit writes the i-th five-bit group, counting from the least
// significant end. Bits above 128 fall off.
func (u *ULID) setDigit(i int, v byte) {
	low := 5 * i
	idx := 15 - low/8
	shift := uint(low % 8)
	u[idx] |= v << shift
	if shift > 3 && idx > 0 {
		u[idx-1] |= v >> (8 - shift)
	}
}

// ULIDFromBytes builds a ULID from a 16-byte slice.
func ULIDFromBytes(b []byte) (ULID, error) {
	if len(b) != 16 {
		return ULID{}, ErrInvalidULIDLength
	}
	var u ULID
	copy(u[:], b)
	return u, nil
}

// MustULIDFromBytes builds a ULID from bytes, panicking on bad input.
func MustULIDFromBytes(b []byte) ULID {
	u, err := ULIDFromBytes(b)
	if err != nil {
		panic(err)
	}
	return u
}

// NewULIDFromTimestamp assembles a ULID from a millisecond timestamp
// and at least 10 bytes of entropy.
func NewULIDFromTimestamp(timestamp uint64, random []byte) ULID {
	var u ULID
	binary.BigEndian.PutUint64(u[0:8], timestamp<<16)
	copy(u[6:], random[:10])
	return u
}
