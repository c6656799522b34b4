// Package machine is the usage FSM gating one machine tool.
//
// The machine is idle, active, or briefly denied. Check-in admits a
// session after a permission check and opens a usage record; check-out
// closes the record in one SQLite transaction and returns to idle. The
// relay is driven to match the active state on every tick and verified
// through its read-back line; an unverifiable relay shuts the machine
// down fail-safe.
//
// Closed records are uploaded to the authority asynchronously and stay
// in the local database until acknowledged, so machine time survives
// network outages and power cuts.
package machine
