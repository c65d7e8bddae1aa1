package postgres

import (
	"testing"
	"time"

	"github.com/worldline-go/types"
)

// CRUD paths require a live Postgres connection and are not covered by unit
// tests here — the teacher's own postgres/sqlite3 stores carry no _test.go
// files for the same reason. These tests cover the pure helpers.

func TestNullTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	nt := toNullTime(types.NewTimeNull(now))
	if !nt.Valid || !nt.Time.Equal(now) {
		t.Fatalf("toNullTime = %+v", nt)
	}

	back := fromNullTime(nt)
	if !back.Valid || !back.V.Time.Equal(now) {
		t.Fatalf("fromNullTime = %+v", back)
	}
}

func TestNullTimeZeroValue(t *testing.T) {
	nt := toNullTime(types.Null[types.Time]{})
	if nt.Valid {
		t.Fatalf("expected invalid for zero-value Null, got %+v", nt)
	}
}

func TestMarshalProviderData(t *testing.T) {
	b, err := marshalProviderData(map[string]any{"machineId": "abc"})
	if err != nil {
		t.Fatalf("marshalProviderData: %v", err)
	}
	if string(b) != `{"machineId":"abc"}` {
		t.Fatalf("marshalProviderData = %s", b)
	}

	b, err = marshalProviderData(nil)
	if err != nil {
		t.Fatalf("marshalProviderData(nil): %v", err)
	}
	if b != nil {
		t.Fatalf("marshalProviderData(nil) = %v, want nil", b)
	}
}
