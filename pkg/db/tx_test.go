package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		unique     bool
		txConflict bool
	}{
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "uq_pending"}, true, false},
		{"wrapped unique", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true, false},
		{"serialization", &pgconn.PgError{Code: "40001"}, false, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, false, true},
		{"plain", errors.New("boom"), false, false},
		{"nil", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.unique {
				t.Errorf("IsUniqueViolation = %v, want %v", got, tt.unique)
			}
			if got := IsTxConflict(tt.err); got != tt.txConflict {
				t.Errorf("IsTxConflict = %v, want %v", got, tt.txConflict)
			}
		})
	}

	if got := ConstraintName(&pgconn.PgError{Code: "23505", ConstraintName: "uq_pending"}); got != "uq_pending" {
		t.Errorf("ConstraintName = %q", got)
	}
}
