package contracts

// Severity grades a failed post-condition or invariant check.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// CheckCause records why a check failed.
type CheckCause string

const (
	CauseCheck   CheckCause = "check"   // the check itself evaluated false
	CauseError   CheckCause = "error"   // the check could not complete
	CauseTimeout CheckCause = "timeout" // the check exceeded its deadline
)

// CheckResult is the outcome of one registered check.
type CheckResult struct {
	Name     string     `json:"name"`
	Passed   bool       `json:"passed"`
	Severity Severity   `json:"severity"`
	Cause    CheckCause `json:"cause,omitempty"`
	Detail   string     `json:"detail,omitempty"`
}

// VerificationStatus is the aggregate outcome of a verification run.
type VerificationStatus string

const (
	VerificationPassed VerificationStatus = "passed"
	VerificationFailed VerificationStatus = "failed"
)

// VerificationReport aggregates the results of all checks run after a tool
// execution. Counts are broken down by severity for observability.
type VerificationReport struct {
	Status        VerificationStatus `json:"status"`
	Checks        []CheckResult      `json:"checks"`
	CriticalCount int                `json:"critical_count"`
	WarningCount  int                `json:"warning_count"`
	InfoCount     int                `json:"info_count"`
}

// HasCriticalFailure reports whether any failed check is critical. The
// pipeline stops and compensates exactly when this is true.
func (r *VerificationReport) HasCriticalFailure() bool {
	return r != nil && r.CriticalCount > 0
}
