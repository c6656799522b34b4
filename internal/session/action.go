package session

import (
	"context"
	"fmt"

	"github.com/offene-werkstatt/maco-core/internal/cloud"
	"github.com/offene-werkstatt/maco-core/internal/fault"
	"github.com/offene-werkstatt/maco-core/internal/nfc"
)

// authorizationKeyNo is the tag key slot holding the diversified
// authorization key used for the three-pass exchange.
const authorizationKeyNo = 3

// Outcome is the terminal result of a start-session attempt.
// Closed sum: Succeeded, Rejected, or Failed.
type Outcome interface{ isOutcome() }

// Succeeded reports an issued session.
type Succeeded struct {
	SessionID string

	// Name is the user's display name, shown on the terminal.
	Name string

	// RecentAuthToken, when non-empty, lets this tag start sessions at
	// other terminals without repeating the full authentication.
	RecentAuthToken string
}

// Rejected reports an authority refusal with a user-displayable message.
type Rejected struct {
	Message string
}

// Failed reports a protocol or transport failure. Err wraps a fault
// sentinel; TagStatus carries the tag-specific status code when a tag
// operation failed.
type Failed struct {
	Err       error
	TagStatus nfc.Status
	Message   string
}

func (Succeeded) isOutcome() {}
func (Rejected) isOutcome()  {}
func (Failed) isOutcome()    {}

// Protocol state variants. Closed sum over the action's lifecycle.
type protoState interface{ isProtoState() }

type stateBegin struct{}
type stateAwaitStartResponse struct {
	handle *cloud.Response[cloud.StartSessionResponse]
}
type stateAwaitPart2Response struct {
	handle *cloud.Response[cloud.StartSessionResponse]
}
type stateDone struct{}

func (stateBegin) isProtoState()              {}
func (stateAwaitStartResponse) isProtoState() {}
func (stateAwaitPart2Response) isProtoState() {}
func (stateDone) isProtoState()               {}

// StartAction drives one start-session attempt for the presented tag, as
// a reader action: one step of progress per tick, never blocking.
//
// The entry variant is chosen at construction: StartWithNfcAuth runs the
// three-pass exchange with the tag, StartWithRecentAuth presents a token
// from a previous authentication. The terminal outcome is delivered once
// through the report callback.
type StartAction struct {
	ctx       context.Context
	registry  *Registry
	client    *cloud.Client
	machineID string
	report    func(Outcome)

	// recentAuthToken selects the recent-auth entry variant when set.
	recentAuthToken string

	state    protoState
	reported bool
}

// StartWithNfcAuth creates a start-session action that authenticates the
// tag with a fresh three-pass exchange.
func StartWithNfcAuth(ctx context.Context, registry *Registry, client *cloud.Client, machineID string, report func(Outcome)) *StartAction {
	return &StartAction{
		ctx:       ctx,
		registry:  registry,
		client:    client,
		machineID: machineID,
		report:    report,
		state:     stateBegin{},
	}
}

// StartWithRecentAuth creates a start-session action that presents a
// token issued by a previous full authentication.
func StartWithRecentAuth(ctx context.Context, registry *Registry, client *cloud.Client, machineID, token string, report func(Outcome)) *StartAction {
	return &StartAction{
		ctx:             ctx,
		registry:        registry,
		client:          client,
		machineID:       machineID,
		report:          report,
		recentAuthToken: token,
		state:           stateBegin{},
	}
}

// Step advances the protocol by at most one transition.
func (a *StartAction) Step(tag *nfc.Tag) (nfc.StepResult, error) {
	switch s := a.state.(type) {
	case stateBegin:
		return a.stepBegin(tag)
	case stateAwaitStartResponse:
		return a.stepAwaitResponse(tag, s.handle, true)
	case stateAwaitPart2Response:
		return a.stepAwaitResponse(tag, s.handle, false)
	case stateDone:
		return nfc.Done, nil
	}
	return nfc.Done, nil
}

// OnAbort reports Failed when the action is cancelled mid-flight.
func (a *StartAction) OnAbort(err error) {
	a.finish(Failed{Err: err, Message: "tag removed"})
}

// stepBegin issues the start-session request, or short-circuits when the
// registry already holds an active session for this tag.
func (a *StartAction) stepBegin(tag *nfc.Tag) (nfc.StepResult, error) {
	if existing, ok := a.registry.ForTag(tag.UID()); ok && existing.IsActive() {
		a.finish(Succeeded{SessionID: existing.SessionID, Name: existing.UserLabel})
		a.state = stateDone{}
		return nfc.Done, nil
	}

	req := cloud.StartSessionRequest{
		TokenID:   tag.UID().String(),
		MachineID: a.machineID,
	}

	if a.recentAuthToken != "" {
		req.RecentAuth = &cloud.RecentAuthentication{Token: a.recentAuthToken}
	} else {
		challenge, status, err := tag.BeginCloudAuthentication(authorizationKeyNo)
		if err != nil {
			return nfc.Done, err
		}
		switch status {
		case nfc.StatusOK:
			req.FirstAuth = &cloud.FirstAuthentication{NtagChallenge: challenge}
		case nfc.StatusAuthenticationDelay:
			// Brute-force cooldown. Keep retrying until the tag accepts.
			return nfc.Continue, nil
		default:
			a.finish(Failed{
				Err:       fmt.Errorf("begin authentication: %w", fault.ErrUnspecified),
				TagStatus: status,
				Message:   "tag refused authentication",
			})
			a.state = stateDone{}
			return nfc.Done, nil
		}
	}

	a.state = stateAwaitStartResponse{handle: a.client.StartSession(a.ctx, req)}
	return nfc.Continue, nil
}

// stepAwaitResponse polls a pending response and branches on the result
// union. Pending performs zero state transitions. The three-way branch is
// identical for both round trips, except that only the first may demand
// phase 2.
func (a *StartAction) stepAwaitResponse(tag *nfc.Tag, handle *cloud.Response[cloud.StartSessionResponse], allowPart2 bool) (nfc.StepResult, error) {
	resp, done, err := handle.Poll()
	if !done {
		return nfc.Continue, nil
	}
	if err != nil {
		a.finish(Failed{Err: err, Message: "authority unavailable"})
		a.state = stateDone{}
		return nfc.Done, nil
	}

	switch resp.Result.State {
	case cloud.StateAuthorized:
		// The authorized result carries the full session. Registering it
		// here, rather than waiting for the push, keeps the terminal
		// working when the push channel is down.
		if !resp.Result.Expiration.IsZero() {
			a.registry.Register(TokenSession{
				TokenID:     tag.UID(),
				SessionID:   resp.SessionID,
				UserID:      resp.Result.UserID,
				UserLabel:   resp.Result.Name,
				Expiration:  resp.Result.Expiration,
				Permissions: resp.Result.Permissions,
			})
		}
		a.finish(Succeeded{
			SessionID:       resp.SessionID,
			Name:            resp.Result.Name,
			RecentAuthToken: resp.Result.RecentAuthToken,
		})
		a.state = stateDone{}
		return nfc.Done, nil

	case cloud.StateRejected:
		a.finish(Rejected{Message: resp.Result.Message})
		a.state = stateDone{}
		return nfc.Done, nil

	case cloud.StateAuthenticationPart2:
		if !allowPart2 {
			break
		}
		encrypted, status, err := tag.CompleteCloudAuthentication(resp.Result.CloudChallenge)
		if err != nil {
			return nfc.Done, err
		}
		if status != nfc.StatusOK {
			a.finish(Failed{
				Err:       fmt.Errorf("complete authentication: %w", fault.ErrUnspecified),
				TagStatus: status,
				Message:   "tag refused challenge",
			})
			a.state = stateDone{}
			return nfc.Done, nil
		}

		a.state = stateAwaitPart2Response{handle: a.client.AuthenticatePart2(a.ctx, cloud.AuthenticatePart2Request{
			SessionID:             resp.SessionID,
			EncryptedNtagResponse: encrypted,
		})}
		return nfc.Continue, nil
	}

	a.finish(Failed{
		Err:     fmt.Errorf("result state %q: %w", resp.Result.State, fault.ErrMalformedResponse),
		Message: "unexpected authority response",
	})
	a.state = stateDone{}
	return nfc.Done, nil
}

// finish delivers the outcome exactly once.
func (a *StartAction) finish(outcome Outcome) {
	if a.reported {
		return
	}
	a.reported = true
	if a.report != nil {
		a.report(outcome)
	}
}
