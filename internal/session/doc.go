// Package session holds the terminal's view of authorized sessions.
//
// A TokenSession is the authority's grant binding a user and permission
// set to a tag. The Registry caches sessions under two indices (tag UID
// and session id) and receives authority pushes: new sessions are
// registered, force-closes invalidate and notify the machine FSM through
// the close handler.
//
// StartAction is the start-session protocol state machine, run as a
// reader action. It bridges local tag challenges and authority-side
// verification across one or two network round trips, reporting exactly
// one terminal outcome (Succeeded, Rejected, or Failed).
package session
