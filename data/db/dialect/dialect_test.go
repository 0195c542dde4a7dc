package dialect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind_Postgres(t *testing.T) {
	d := New("postgres")
	q := "SELECT * FROM t WHERE a = ? AND b IN (?, ?)"
	got := d.Rebind(q)
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Fatalf("Rebind mismatch\nwant: %s\ngot:  %s", want, got)
	}
}

func TestRebind_NoChangeForMySQLSQLite(t *testing.T) {
	tests := []struct {
		name string
		d    Dialect
	}{
		{"mysql", New("mysql")},
		{"sqlite", New("sqlite")},
		{"unknown", New("unknown")},
	}

	orig := "DELETE FROM t WHERE id = ? AND name = ?"
	for _, tt := range tests {
		if got := tt.d.Rebind(orig); got != orig {
			t.Fatalf("%s: expected no change, got %s", tt.name, got)
		}
	}
}

func TestNew_DriverAliases(t *testing.T) {
	assert.Equal(t, NamePostgres, New("pgx").Name())
	assert.Equal(t, NameSQLite, New("sqlite3").Name())
	assert.Equal(t, NameUnknown, New("oracle").Name())
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"user_food"."food_id"`, New("sqlite").QuoteIdentifier("user_food.food_id"))
	assert.Equal(t, "`food`", New("mysql").QuoteIdentifier("food"))
	assert.Equal(t, "food", New("").QuoteIdentifier("food"))
}

func TestSupportsReturning(t *testing.T) {
	assert.True(t, New("pgx").SupportsReturning())
	assert.False(t, New("sqlite").SupportsReturning())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, New("sqlite").IsUniqueViolation(errors.New("UNIQUE constraint failed: user_food.food_id")))
	assert.True(t, New("postgres").IsUniqueViolation(errors.New(`duplicate key value violates unique constraint "user_food_pkey"`)))
	assert.False(t, New("sqlite").IsUniqueViolation(nil))
	assert.False(t, New("sqlite").IsUniqueViolation(errors.New("no such table: food")))
}
