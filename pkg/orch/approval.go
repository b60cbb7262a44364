package orch

import (
	"time"

	"github.com/google/uuid"

	"specfleet/pkg/logx"
	"specfleet/pkg/proto"
)

// ApprovalGate is the out-of-band surface for human approvals. Requesting
// registers a pending item on the run state; resolving clears it and wakes
// a blocked run. The gate never decides anything itself.
type ApprovalGate struct {
	orch   *Orchestrator
	logger *logx.Logger
}

// NewApprovalGate binds a gate to a running orchestrator.
func NewApprovalGate(o *Orchestrator) *ApprovalGate {
	return &ApprovalGate{
		orch:   o,
		logger: logx.NewLogger("approval"),
	}
}

// RequestApproval registers a pending approval and returns its ID. A
// blocking-priority request parks the run until Resolve is called with the
// returned ID.
func (g *ApprovalGate) RequestApproval(descriptor string, priority proto.Priority) string {
	approval := proto.PendingApproval{
		ID:          uuid.New().String(),
		Descriptor:  descriptor,
		Priority:    priority,
		RequestedAt: time.Now().UTC(),
	}
	g.orch.RunState().AddPendingApproval(approval)
	g.logger.Info("approval requested: %s (%s, priority %s)", approval.ID, descriptor, priority)
	return approval.ID
}

// Resolve clears a pending approval by ID. Returns false for unknown IDs.
func (g *ApprovalGate) Resolve(pendingID string) bool {
	ok := g.orch.ResolveApproval(pendingID)
	if ok {
		g.logger.Info("approval resolved: %s", pendingID)
	} else {
		g.logger.Warn("approval %s not found", pendingID)
	}
	return ok
}

// Pending lists the approvals still outstanding.
func (g *ApprovalGate) Pending() []proto.PendingApproval {
	return g.orch.RunState().Snapshot().PendingApprovals
}
