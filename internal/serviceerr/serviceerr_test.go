package serviceerr

import (
	"errors"
	"testing"
)

func TestErrorCarriesCodeAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New("movies.cache.upsert_all", "write_failed", cause)

	var coded *Error
	if !errors.As(err, &coded) || coded.Code() != "movies.cache.upsert_all.write_failed" {
		t.Fatalf("expected coded error, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap, got %v", err)
	}
	if err.Error() != "movies.cache.upsert_all.write_failed: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if bare := New("search.coordinator.new", "missing_source", nil); bare.Error() != "search.coordinator.new.missing_source" {
		t.Fatalf("unexpected message without cause %q", bare.Error())
	}
}
