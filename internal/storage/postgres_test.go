package storage

import (
	"errors"
	"testing"

	"github.com/lib/pq"
)

func TestConcurrencyAbortsResolveAsAlreadyTaken(t *testing.T) {
	for _, code := range []pq.ErrorCode{"40001", "40P01"} {
		if err := mapConcurrencyErr(&pq.Error{Code: code}); !errors.Is(err, ErrAlreadyTaken) {
			t.Fatalf("code %s: expected ErrAlreadyTaken, got %v", code, err)
		}
	}
	// anything else passes through untouched
	unique := &pq.Error{Code: "23505"}
	if err := mapConcurrencyErr(unique); !errors.Is(err, unique) {
		t.Fatalf("expected the original error back, got %v", err)
	}
	if err := mapConcurrencyErr(nil); err != nil {
		t.Fatalf("nil must stay nil, got %v", err)
	}
}
