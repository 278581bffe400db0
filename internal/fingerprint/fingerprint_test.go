package fingerprint

import (
	"testing"

	"github.com/stratalabs/strata/pkg/types"
)

func schemaOf(cols ...types.ColumnDef) types.Schema {
	return types.Schema{Columns: cols}
}

func TestCanonical_SortedAndJoined(t *testing.T) {
	s := schemaOf(
		types.ColumnDef{Name: "spend", Type: "DOUBLE"},
		types.ColumnDef{Name: "campaign_id", Type: "TEXT"},
		types.ColumnDef{Name: "clicks", Type: "BIGINT"},
	)

	got := Canonical(s)
	want := "campaign_id:TEXT|clicks:BIGINT|spend:DOUBLE"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSum_OrderIndependent(t *testing.T) {
	s1 := schemaOf(
		types.ColumnDef{Name: "order_id", Type: "BIGINT"},
		types.ColumnDef{Name: "email", Type: "TEXT"},
		types.ColumnDef{Name: "total_price", Type: "DOUBLE"},
	)
	s2 := schemaOf(
		types.ColumnDef{Name: "total_price", Type: "DOUBLE"},
		types.ColumnDef{Name: "order_id", Type: "BIGINT"},
		types.ColumnDef{Name: "email", Type: "TEXT"},
	)

	if Sum(s1) != Sum(s2) {
		t.Errorf("column order changed the fingerprint: %s != %s", Sum(s1), Sum(s2))
	}
}

func TestSum_TypeCaseInsensitive(t *testing.T) {
	s1 := schemaOf(types.ColumnDef{Name: "clicks", Type: "bigint"})
	s2 := schemaOf(types.ColumnDef{Name: "clicks", Type: "BIGINT"})

	if Sum(s1) != Sum(s2) {
		t.Error("type casing should not change the fingerprint")
	}
}

func TestSum_StructuralDifference(t *testing.T) {
	base := schemaOf(
		types.ColumnDef{Name: "order_id", Type: "BIGINT"},
		types.ColumnDef{Name: "email", Type: "TEXT"},
	)
	extraColumn := schemaOf(
		types.ColumnDef{Name: "order_id", Type: "BIGINT"},
		types.ColumnDef{Name: "email", Type: "TEXT"},
		types.ColumnDef{Name: "currency", Type: "TEXT"},
	)
	typeChanged := schemaOf(
		types.ColumnDef{Name: "order_id", Type: "TEXT"},
		types.ColumnDef{Name: "email", Type: "TEXT"},
	)

	if Sum(base) == Sum(extraColumn) {
		t.Error("adding a column should change the fingerprint")
	}
	if Sum(base) == Sum(typeChanged) {
		t.Error("changing a column type should change the fingerprint")
	}
}

func TestCanonical_SkipsLoaderColumns(t *testing.T) {
	s1 := schemaOf(
		types.ColumnDef{Name: "order_id", Type: "BIGINT"},
		types.ColumnDef{Name: "_loaded_at", Type: "TIMESTAMP"},
		types.ColumnDef{Name: "_extract_id", Type: "TEXT"},
	)
	s2 := schemaOf(types.ColumnDef{Name: "order_id", Type: "BIGINT"})

	if Sum(s1) != Sum(s2) {
		t.Error("loader bookkeeping columns should not affect the fingerprint")
	}
}

func TestCanonical_DuplicatePairsCollapse(t *testing.T) {
	s1 := schemaOf(
		types.ColumnDef{Name: "clicks", Type: "BIGINT"},
		types.ColumnDef{Name: "clicks", Type: "BIGINT"},
	)
	s2 := schemaOf(types.ColumnDef{Name: "clicks", Type: "BIGINT"})

	if Canonical(s1) != Canonical(s2) {
		t.Errorf("duplicate pairs should collapse: %q vs %q", Canonical(s1), Canonical(s2))
	}
}

func TestFingerprintable(t *testing.T) {
	if Fingerprintable(schemaOf(types.ColumnDef{Name: "_loaded_at", Type: "TIMESTAMP"})) {
		t.Error("schema with only loader columns should not be fingerprintable")
	}
	if !Fingerprintable(schemaOf(types.ColumnDef{Name: "order_id", Type: "BIGINT"})) {
		t.Error("schema with a real column should be fingerprintable")
	}
}
