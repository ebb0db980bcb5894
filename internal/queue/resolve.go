package queue

import (
	"fmt"
	"sort"
	"strings"
)

// ResolveErrorKind classifies why ResolveJobID failed.
type ResolveErrorKind string

const (
	ResolveErrorNoJobs    ResolveErrorKind = "no_jobs"
	ResolveErrorNotFound  ResolveErrorKind = "not_found"
	ResolveErrorAmbiguous ResolveErrorKind = "ambiguous"
)

// ResolveError describes a failed id-or-prefix lookup.
type ResolveError struct {
	Kind      ResolveErrorKind
	Input     string
	Matches   []string // set when Kind == ResolveErrorAmbiguous
	Available []string // set when Kind == ResolveErrorNotFound
}

func (e *ResolveError) Error() string {
	switch e.Kind {
	case ResolveErrorNoJobs:
		return fmt.Sprintf("job %q not found (no jobs known)", e.Input)
	case ResolveErrorAmbiguous:
		return fmt.Sprintf("job id %q matches multiple jobs: %s (please be more specific)", e.Input, strings.Join(e.Matches, ", "))
	default:
		return fmt.Sprintf("job %q not found", e.Input)
	}
}

// ResolveJobID resolves a full or prefix job id against known. Exact
// matches win outright; otherwise a unique prefix match is accepted, and
// more than one prefix match is reported as ambiguous.
func ResolveJobID(input string, known []string) (string, error) {
	if len(known) == 0 {
		return "", &ResolveError{Kind: ResolveErrorNoJobs, Input: input}
	}

	for _, id := range known {
		if id == input {
			return id, nil
		}
	}

	var matches []string
	for _, id := range known {
		if strings.HasPrefix(id, input) {
			matches = append(matches, id)
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", &ResolveError{Kind: ResolveErrorNotFound, Input: input, Available: known}
	default:
		return "", &ResolveError{Kind: ResolveErrorAmbiguous, Input: input, Matches: matches}
	}
}
