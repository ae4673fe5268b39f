package event

// Code is the decision surfaced to callers for a processed event.
type Code string

const (
	// CodeAccepted means the event was billed and persisted.
	CodeAccepted Code = "accepted"
	// CodeDuplicate means the event was seen before; treated as success.
	CodeDuplicate Code = "duplicate"
	// CodeIdempotencyError means the billing gate could not complete.
	// Fail-secure: the event is acknowledged and never persisted. When
	// the failure follows the ledger insert the row stays billable and
	// the event is flagged for manual billing review.
	CodeIdempotencyError Code = "idempotency_error"
	// CodeQuotaReject means the tenant is over quota for the period.
	CodeQuotaReject Code = "quota_reject"
	// CodeRateLimited is a non-financial edge reject. Distinct from
	// CodeQuotaReject: remediation is "retry shortly", not "wait for
	// the next billing period".
	CodeRateLimited Code = "rate_limited"
	// CodeDegraded means broker publish failed and the event was parked
	// in the fallback buffer. The event is delayed, not lost.
	CodeDegraded Code = "degraded"
)

// QuotaReason is the sub-reason carried by quota_reject decisions.
type QuotaReason string

const (
	ReasonMonthlyLimitExceeded QuotaReason = "monthly_limit_exceeded"
	ReasonHardCapExceeded      QuotaReason = "hard_cap_exceeded"
)
