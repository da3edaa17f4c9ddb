// Package scheduler is the Scheduler Loop: every interval it claims due
// reminders from the store, hands them to the delivery worker with bounded
// concurrency and settles each outcome through Next.
//
// Claims are leases (ClaimLease). A crash between claim and settle leaves the
// reminder claimable again once its lease expires, so delivery is
// at-least-once.
package scheduler
