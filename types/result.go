package types

import "time"

// Severity classifies how serious a validator finding is.
// Ordering: info < warning < error < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Rank returns the numeric ordering of the severity. Unknown values rank
// below info so they never mask real findings.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Result categories for failed validator runs.
const (
	CategoryTimeout   = "timeout"
	CategoryTransport = "transport"
	CategoryBusiness  = "business"
	CategorySkipped   = "skipped"
)

// Content is the unit of work handed to validators. The orchestration core
// treats the body as opaque; validators interpret it.
type Content struct {
	Path     string         `json:"path"`
	Body     []byte         `json:"body,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the outcome of a single validator run.
type Result struct {
	Validator string         `json:"validator"`
	Passed    bool           `json:"passed"`
	Severity  Severity       `json:"severity"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration_ms"`
}

// Critical reports whether this result counts against the critical-error
// budget.
func (r *Result) Critical() bool {
	return r != nil && !r.Passed && r.Severity == SeverityCritical
}
