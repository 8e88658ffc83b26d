package allocator

import (
	"context"
	"fmt"
)

// Gate is the enforcement checkpoint in front of every generation call. It is advisory at the
// key-pool level: passing the gate does not reserve a physical key, so an over-quota denial
// stays distinguishable from a pool outage.
type Gate struct {
	engine *Engine
}

func NewGate(engine *Engine) *Gate {
	return &Gate{engine: engine}
}

// Decision is an admission verdict plus the allocation snapshot it was based on. Reason is
// written to be rendered verbatim to the end user when the request is denied.
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason,omitempty"`
	Allocation Allocation `json:"allocation"`
}

// CanProceed checks whether the user is under their live fair share for the model. Checking
// admission never increments usage: the dispatcher charges the user only after the downstream
// call actually succeeded.
func (g *Gate) CanProceed(ctx context.Context, userID, modelName string) (Decision, error) {
	alloc, err := g.engine.GetUserAllocation(ctx, userID, modelName)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:    alloc.CanMakeRequest,
		Allocation: alloc,
	}
	if !d.Allowed {
		d.Reason = fmt.Sprintf(
			"Daily request limit exceeded. You've used %d/%d requests today.",
			alloc.Used, alloc.Allocated)
	}
	return d, nil
}
