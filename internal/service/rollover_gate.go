package service

import (
	"sync/atomic"

	appErrors "github.com/noah-isme/cca-portal-api/pkg/errors"
)

// RolloverGate is shared by the services that write the ledger. While a rollover
// run is unfinished every student submission, admin compensation and attempt to
// reopen registration is refused. A nil gate never blocks.
type RolloverGate struct {
	active atomic.Int32
}

// NewRolloverGate constructs an open gate.
func NewRolloverGate() *RolloverGate {
	return &RolloverGate{}
}

// Active reports whether a rollover run is queued or executing.
func (g *RolloverGate) Active() bool {
	return g != nil && g.active.Load() > 0
}

// Check returns OPERATION_GUARDED naming the blocked action while a run is active.
func (g *RolloverGate) Check(action string) error {
	if !g.Active() {
		return nil
	}
	return appErrors.ForEntity(appErrors.ErrOperationGuarded, "rollover",
		action+" is unavailable while the term rollover is running")
}

func (g *RolloverGate) enter() {
	if g != nil {
		g.active.Add(1)
	}
}

func (g *RolloverGate) leave() {
	if g != nil {
		g.active.Add(-1)
	}
}
