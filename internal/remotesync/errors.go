package remotesync

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

var (
	// ErrMalformedPayload indicates a payload body that is not valid JSON of the expected shape.
	ErrMalformedPayload = errors.New("remotesync: malformed payload")
	// ErrFetchFailed indicates that the payload could not be retrieved from the source site.
	ErrFetchFailed = errors.New("remotesync: unable to retrieve data from remote site")
	// ErrSignatureInvalid indicates a payload whose signature does not verify.
	ErrSignatureInvalid = errors.New("remotesync: payload signature invalid")

	errMissingDatabase = errors.New("database handle is required")
	errMissingUsers    = errors.New("user service is required")
)

// ServiceError carries a stable code of the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "remotesync.service.new"
	opApply               = "remotesync.apply"
	opSourceData          = "remotesync.source_data"
	opFetch               = "remotesync.fetch"
	reasonMissingDatabase = "missing_database"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ProblemKind names the payload section a problem was found in.
type ProblemKind string

const (
	ProblemPayload  ProblemKind = "payload"
	ProblemProject  ProblemKind = "project"
	ProblemUser     ProblemKind = "user"
	ProblemPeerSite ProblemKind = "peer_site"
)

// Problem is one validation failure of a payload entry.
type Problem struct {
	Kind   ProblemKind
	UUID   string
	Reason string
}

func (p Problem) String() string {
	if p.UUID == "" {
		return fmt.Sprintf("%s: %s", p.Kind, p.Reason)
	}
	return fmt.Sprintf("%s %s: %s", p.Kind, p.UUID, p.Reason)
}

// SyncError aborts a sync and reports every problem found in the payload.
type SyncError struct {
	Problems []Problem
}

func (e *SyncError) Error() string {
	parts := lo.Map(e.Problems, func(problem Problem, _ int) string {
		return problem.String()
	})
	return fmt.Sprintf("remotesync: sync aborted with %d problem(s): %s", len(e.Problems), strings.Join(parts, "; "))
}

// ProjectUUIDs lists the offending project identifiers, sorted and unique.
func (e *SyncError) ProjectUUIDs() []string {
	projectProblems := lo.Filter(e.Problems, func(problem Problem, _ int) bool {
		return problem.Kind == ProblemProject && problem.UUID != ""
	})
	uuids := lo.Uniq(lo.Map(projectProblems, func(problem Problem, _ int) string {
		return problem.UUID
	}))
	sort.Strings(uuids)
	return uuids
}

type problemSet struct {
	problems []Problem
}

func (s *problemSet) add(kind ProblemKind, uuid string, format string, args ...interface{}) {
	s.problems = append(s.problems, Problem{Kind: kind, UUID: uuid, Reason: fmt.Sprintf(format, args...)})
}

func (s *problemSet) empty() bool {
	return len(s.problems) == 0
}

func (s *problemSet) err() error {
	if s.empty() {
		return nil
	}
	sorted := make([]Problem, len(s.problems))
	copy(sorted, s.problems)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Kind != sorted[j].Kind {
			return sorted[i].Kind < sorted[j].Kind
		}
		return sorted[i].UUID < sorted[j].UUID
	})
	return &SyncError{Problems: sorted}
}
