// Package fingerprint turns physical schemas into canonical content
// hashes. Two schemas with the same (column name, declared type) set
// always hash identically, regardless of column order or type casing,
// so a connector schema seen once resolves the same way for every
// tenant that ships it.
package fingerprint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/stratalabs/strata/pkg/types"
)

// column pairs are serialized as name:TYPE and joined with "|".
const pairSep = "|"

// Canonical returns the deterministic serialization a schema is hashed
// from. Loader bookkeeping columns (leading underscore, e.g. the
// _loaded_at columns ingestion frameworks append) are excluded; type
// names are upper-cased so declaration casing never splits a
// fingerprint. Duplicate (name, type) pairs collapse: the input is a
// set, not a list.
func Canonical(schema types.Schema) string {
	pairs := make([]string, 0, len(schema.Columns))
	seen := make(map[string]struct{}, len(schema.Columns))

	for _, col := range schema.Columns {
		name := strings.TrimSpace(col.Name)
		if name == "" || strings.HasPrefix(name, "_") {
			continue
		}
		pair := name + ":" + strings.ToUpper(strings.TrimSpace(col.Type))
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		pairs = append(pairs, pair)
	}

	sort.Strings(pairs)
	return strings.Join(pairs, pairSep)
}

// Sum hashes the canonical form with 128-bit murmur3 and returns the
// lower-case hex fingerprint. Accidental collisions between unrelated
// schemas that share a name/type set are a documented limitation of
// structural fingerprinting; the registry keeps source_platform on
// every blueprint so an operator can spot one before registering.
func Sum(schema types.Schema) types.Fingerprint {
	h := murmur3.New128()
	h.Write([]byte(Canonical(schema)))
	h1, h2 := h.Sum128()
	return types.Fingerprint(fmt.Sprintf("%016x%016x", h1, h2))
}

// Fingerprintable reports whether the schema contributes at least one
// column to the canonical form. Batches declaring nothing but loader
// bookkeeping columns are rejected at intake.
func Fingerprintable(schema types.Schema) bool {
	return Canonical(schema) != ""
}

// SumBytes hashes arbitrary canonical bytes with the same 128-bit
// murmur3 + hex encoding used for schema fingerprints. Content-addressed
// stores outside the schema path (tenant logic blocks) share one hash
// discipline this way.
func SumBytes(b []byte) string {
	h1, h2 := murmur3.Sum128(b)
	return fmt.Sprintf("%016x%016x", h1, h2)
}
