package orch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specfleet/pkg/proto"
)

func TestApprovalGateRoundTrip(t *testing.T) {
	workers, descriptors := pipelineWorkers()
	h := newHarness(t, workers, descriptors, Options{Required: requiredPipeline()}, false)
	gate := NewApprovalGate(h.orch)

	id := gate.RequestApproval("publish artifact", proto.PriorityNormal)
	require.NotEmpty(t, id)
	require.Len(t, gate.Pending(), 1)
	assert.Equal(t, "publish artifact", gate.Pending()[0].Descriptor)

	assert.True(t, gate.Resolve(id))
	assert.Empty(t, gate.Pending())
	assert.False(t, gate.Resolve(id))
}

func TestApprovalGateBlocksRun(t *testing.T) {
	workers, descriptors := pipelineWorkers()
	h := newHarness(t, workers, descriptors, Options{Required: requiredPipeline()}, false)
	gate := NewApprovalGate(h.orch)
	id := gate.RequestApproval("destructive export", proto.PriorityBlocking)

	done := make(chan struct{})
	go func() {
		defer close(done)
		report, err := h.orch.Run(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, proto.RunStatusSuccess, report.Status)
	}()

	require.Eventually(t, func() bool {
		return h.orch.State() == proto.StateWaitingForInterrupt
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, gate.Resolve(id))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not resume after gate resolution")
	}
}
