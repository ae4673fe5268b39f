// Package billing provides the calendar-month billing period shared by the
// idempotency ledger, quota engine, and reconciliation jobs.
//
// # Overview
//
// A Period identifies the UTC calendar month an event bills into. Periods
// render as "YYYY-MM", the exact string stored in ledger and snapshot rows,
// so the in-memory representation and the database representation never
// diverge.
//
// # Usage Example
//
//	period := billing.PeriodOf(receivedAt)
//	count, err := ledger.CountBillable(ctx, tenantID, period)
//
//	prev := period.Previous()
//	fmt.Println(period.String()) // "2026-08"
//
// # Related Packages
//
//   - pkg/idempotency: Stamps each ledger row with its billing period
//   - pkg/quota: Scopes usage counts and cache keys by period
//   - pkg/reconcile: Protects current and previous periods from retention
package billing
