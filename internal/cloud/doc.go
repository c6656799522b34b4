// Package cloud is the terminal's asynchronous client for the authority.
//
// The reader and application goroutines must never block on the network,
// so every request returns a Response handle that is polled once per loop
// tick. Pending is a valid no-op outcome; resolution carries either the
// decoded payload or an error wrapping one of the internal/fault
// sentinels, which the session protocol maps onto its Failed state.
package cloud
