package machine

import "sync"

// Relay is the power gate for the machine tool.
//
// Set drives the output; Get reads the actual line state back. The two
// are separate because the hardware read-back is the only trustworthy
// signal: a stuck or welded relay reports the commanded state nowhere
// except on the read-back pin.
type Relay interface {
	Set(on bool) error
	Get() (bool, error)
}

// SimulatedRelay is an in-memory relay for development and tests.
//
// StuckOn freezes the read-back at true regardless of Set, modelling a
// welded contact.
type SimulatedRelay struct {
	mu      sync.Mutex
	on      bool
	StuckOn bool
}

// Set drives the simulated output.
func (r *SimulatedRelay) Set(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.on = on
	return nil
}

// Get reads the simulated line state back.
func (r *SimulatedRelay) Get() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StuckOn {
		return true, nil
	}
	return r.on, nil
}
