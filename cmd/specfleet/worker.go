package main

import (
	"context"
	"time"

	"github.com/google/uuid"

	"specfleet/pkg/health"
	"specfleet/pkg/proto"
)

// simWorker is the built-in demonstration worker. It handles every work
// type its descriptor declares with a short simulated delay. Real fleets
// register their own Invoker implementations instead.
type simWorker struct {
	descriptor proto.WorkerDescriptor
}

func newSimWorker(descriptor proto.WorkerDescriptor) *simWorker {
	return &simWorker{descriptor: descriptor}
}

func (w *simWorker) WorkerID() proto.WorkerID {
	return w.descriptor.WorkerID
}

// Heartbeat reports the simulated worker as healthy with a nominal load,
// feeding the dispatcher's monitor loop.
func (w *simWorker) Heartbeat() health.HeartbeatRecord {
	return health.HeartbeatRecord{
		WorkerType: string(w.descriptor.WorkerID),
		Status:     health.StatusHealthy,
		LatencyMs:  1,
		Load:       0.1,
	}
}

func (w *simWorker) Invoke(ctx context.Context, item *proto.WorkItem) (*proto.WorkResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	result := &proto.WorkResult{Output: map[string]any{}}
	if item.Type == proto.WorkTypeGather {
		result.Output["decisions"] = []proto.Decision{
			{
				ID:         uuid.New().String(),
				Topic:      "target_format",
				Value:      "markdown",
				RecordedAt: time.Now().UTC(),
			},
			{
				ID:         uuid.New().String(),
				Topic:      "audience",
				Value:      "engineering",
				RecordedAt: time.Now().UTC(),
			},
		}
	}
	return result, nil
}
