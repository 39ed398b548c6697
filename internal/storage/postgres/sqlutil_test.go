package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "pgx unique", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{name: "pgx other", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "pq unique", err: &pq.Error{Code: "23505"}, want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		if got := isUniqueViolation(tt.err); got != tt.want {
			t.Fatalf("%s: isUniqueViolation() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTextArrayDependsOnDriver(t *testing.T) {
	t.Parallel()

	values := []string{"PAID", "SHIPPED"}
	if _, ok := (&Store{driver: DriverPGX}).textArray(values).([]string); !ok {
		t.Fatal("pgx must receive plain []string")
	}
	if _, ok := (&Store{driver: DriverPQ}).textArray(values).([]string); ok {
		t.Fatal("lib/pq must receive pq.Array wrapper")
	}
}
