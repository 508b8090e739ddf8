package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmehdipour/quota-gateway/internal/model"
)

var (
	ErrGateResolved   = errors.New("gate already resolved")
	ErrGateUnresolved = errors.New("gate not resolved yet")
	ErrChannelSend    = errors.New("channel send failed")
)

// Sender is the outbound messaging collaborator.
type Sender interface {
	SendText(ctx context.Context, msg model.OutboundMessage) (string, error)
}

type State int

const (
	Evaluating State = iota
	Resolved
)

func (s State) String() string {
	if s == Resolved {
		return "resolved"
	}
	return "evaluating"
}

// Outcome is the terminal result of a gate.
type Outcome struct {
	Decision   model.Decision
	DispatchID string
}

// Decide allows a send while consumed plus in-flight reservations stay below total.
func Decide(rec model.LedgerRecord, pending int64) model.Decision {
	if pending < 0 {
		pending = 0
	}
	if rec.ConsumedAllowance+pending < rec.TotalAllowance {
		return model.DecisionAllowed
	}
	return model.DecisionDenied
}

// Gate moves from Evaluating to Resolved exactly once per request and makes
// at most one channel call.
type Gate struct {
	mu         sync.Mutex
	state      State
	dispatched bool
	outcome    Outcome
	sender     Sender
}

func NewGate(s Sender) *Gate {
	return &Gate{sender: s}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Resolve takes the single Evaluating -> Resolved transition.
func (g *Gate) Resolve(rec model.LedgerRecord, pending int64) (model.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Evaluating {
		return g.outcome.Decision, ErrGateResolved
	}
	g.state = Resolved
	g.outcome.Decision = Decide(rec, pending)
	return g.outcome.Decision, nil
}

// Dispatch sends msg when the gate resolved Allowed. A Denied gate returns
// without touching the channel.
func (g *Gate) Dispatch(ctx context.Context, msg model.OutboundMessage) (Outcome, error) {
	g.mu.Lock()
	if g.state != Resolved {
		g.mu.Unlock()
		return Outcome{}, ErrGateUnresolved
	}
	if g.outcome.Decision != model.DecisionAllowed {
		out := g.outcome
		g.mu.Unlock()
		return out, nil
	}
	if g.dispatched {
		out := g.outcome
		g.mu.Unlock()
		return out, ErrGateResolved
	}
	g.dispatched = true
	g.mu.Unlock()

	id, err := g.sender.SendText(ctx, msg)
	if err != nil {
		return Outcome{Decision: model.DecisionAllowed}, fmt.Errorf("%w: %w", ErrChannelSend, err)
	}

	g.mu.Lock()
	g.outcome.DispatchID = id
	out := g.outcome
	g.mu.Unlock()
	return out, nil
}

// Run resolves and dispatches in one step.
func (g *Gate) Run(ctx context.Context, rec model.LedgerRecord, pending int64, msg model.OutboundMessage) (Outcome, error) {
	if _, err := g.Resolve(rec, pending); err != nil {
		return Outcome{}, err
	}
	return g.Dispatch(ctx, msg)
}
