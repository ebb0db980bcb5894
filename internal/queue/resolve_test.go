package queue

import (
	"errors"
	"testing"
)

func TestResolveJobIDExactMatch(t *testing.T) {
	known := []string{"abc123", "abc456", "def789"}
	got, err := ResolveJobID("abc123", known)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "abc123" {
		t.Fatalf("got %q, want %q", got, "abc123")
	}
}

func TestResolveJobIDUniquePrefix(t *testing.T) {
	known := []string{"abc123", "abc456", "def789"}
	got, err := ResolveJobID("def", known)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "def789" {
		t.Fatalf("got %q, want %q", got, "def789")
	}
}

func TestResolveJobIDAmbiguousPrefix(t *testing.T) {
	known := []string{"abc123", "abc456", "def789"}
	_, err := ResolveJobID("abc", known)
	var rerr *ResolveError
	if !errors.As(err, &rerr) || rerr.Kind != ResolveErrorAmbiguous {
		t.Fatalf("expected ambiguous resolve error, got %v", err)
	}
	if len(rerr.Matches) != 2 {
		t.Fatalf("matches = %v, want 2 entries", rerr.Matches)
	}
}

func TestResolveJobIDNotFound(t *testing.T) {
	known := []string{"abc123"}
	_, err := ResolveJobID("zzz", known)
	var rerr *ResolveError
	if !errors.As(err, &rerr) || rerr.Kind != ResolveErrorNotFound {
		t.Fatalf("expected not_found resolve error, got %v", err)
	}
}

func TestResolveJobIDNoJobsKnown(t *testing.T) {
	_, err := ResolveJobID("anything", nil)
	var rerr *ResolveError
	if !errors.As(err, &rerr) || rerr.Kind != ResolveErrorNoJobs {
		t.Fatalf("expected no_jobs resolve error, got %v", err)
	}
}
