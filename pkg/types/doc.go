/*
Package types defines the shared data model for the branchline fleet:
branch configuration, session and health state enums, credentials and
backup records, and the dashboard-facing status snapshots.

Types here carry no behavior beyond serialization. Ownership rules are
enforced by the packages that mutate them: a branch's session owns its
session state, the supervisor's monitor goroutine owns the branch's
HealthRecord, and the credential store owns everything persisted.
*/
package types
