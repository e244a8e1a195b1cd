package compliance

import (
	"fmt"
)

// Status is the outcome of one validation pass. It has exactly three values.
type Status string

const (
	StatusCompliant    Status = "COMPLIANT"
	StatusNonCompliant Status = "NON_COMPLIANT"
	StatusNeedsReview  Status = "NEEDS_REVIEW"
)

// Valid reports whether s is one of the three known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusCompliant, StatusNonCompliant, StatusNeedsReview:
		return true
	}
	return false
}

// Severity separates structural violations from ambiguous findings
type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// Issue is one finding of a validation pass
type Issue struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// Verdict is the immutable result of a validation pass
type Verdict struct {
	Status Status  `json:"status"`
	Issues []Issue `json:"issues"`
}

// NewVerdict selects the status for a set of issues
func NewVerdict(issues []Issue) Verdict {
	v := Verdict{Status: StatusCompliant, Issues: append([]Issue{}, issues...)}
	for _, issue := range v.Issues {
		if issue.Severity == SeverityHard {
			v.Status = StatusNonCompliant
			return v
		}
		v.Status = StatusNeedsReview
	}
	return v
}

// With returns a new verdict with additional issues appended. The receiver
// is not modified.
func (v Verdict) With(issues ...Issue) Verdict {
	all := make([]Issue, 0, len(v.Issues)+len(issues))
	all = append(all, v.Issues...)
	all = append(all, issues...)
	return NewVerdict(all)
}

// Messages returns the human-readable issue strings in order
func (v Verdict) Messages() []string {
	out := make([]string, len(v.Issues))
	for i, issue := range v.Issues {
		out[i] = issue.String()
	}
	return out
}

// BlocksGeneration reports whether document generation must be refused
func (v Verdict) BlocksGeneration() bool {
	return v.Status == StatusNonCompliant
}
