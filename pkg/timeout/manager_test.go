package timeout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specfleet/pkg/proto"
)

func TestEffectiveTimeoutSpecificity(t *testing.T) {
	m := NewManager(true, 2)

	_, err := m.SetPolicy(Policy{WorkerType: "writer", TimeoutSeconds: 60, Strategy: StrategyRetry})
	require.NoError(t, err)
	_, err = m.SetPolicy(Policy{WorkerType: "writer", WorkType: proto.WorkTypeGenerate, TimeoutSeconds: 300, Strategy: StrategyRetry})
	require.NoError(t, err)

	assert.Equal(t, 300.0, m.EffectiveTimeout("writer", proto.WorkTypeGenerate))
	assert.Equal(t, 60.0, m.EffectiveTimeout("writer", proto.WorkTypeValidate))
	assert.Equal(t, DefaultTimeoutSeconds, m.EffectiveTimeout("reviewer", proto.WorkTypeValidate))
}

func TestSetPolicyValidation(t *testing.T) {
	m := NewManager(true, 2)

	_, err := m.SetPolicy(Policy{TimeoutSeconds: 30, Strategy: StrategyFail})
	assert.Error(t, err, "missing worker_type must be rejected")

	_, err = m.SetPolicy(Policy{WorkerType: "writer", TimeoutSeconds: 0, Strategy: StrategyFail})
	assert.Error(t, err, "non-positive timeout must be rejected")

	_, err = m.SetPolicy(Policy{WorkerType: "writer", TimeoutSeconds: 30, Strategy: "explode"})
	assert.Error(t, err, "unknown strategy must be rejected")
}

func TestResolveFallbackMaxUses(t *testing.T) {
	m := NewManager(true, 2)

	_, err := m.AddFallbackRule(FallbackRule{
		Primary:           "writer",
		Fallback:          "writer-lite",
		TriggerConditions: []proto.TriggerCondition{proto.TriggerTimeout},
		MaxUses:           2,
	})
	require.NoError(t, err)

	assert.Equal(t, proto.WorkerID("writer-lite"), m.ResolveFallback("writer", proto.TriggerTimeout, 0))
	assert.Equal(t, proto.WorkerID("writer-lite"), m.ResolveFallback("writer", proto.TriggerTimeout, 0))
	assert.Equal(t, proto.WorkerID(""), m.ResolveFallback("writer", proto.TriggerTimeout, 0),
		"rule must stop triggering once max_uses is exhausted")
}

func TestResolveFallbackCooldown(t *testing.T) {
	m := NewManager(true, 2)
	clock := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return clock })

	_, err := m.AddFallbackRule(FallbackRule{
		Primary:           "writer",
		Fallback:          "writer-lite",
		TriggerConditions: []proto.TriggerCondition{proto.TriggerTimeout},
		MaxUses:           10,
		CooldownSeconds:   60,
	})
	require.NoError(t, err)

	assert.Equal(t, proto.WorkerID("writer-lite"), m.ResolveFallback("writer", proto.TriggerTimeout, 0))

	clock = clock.Add(30 * time.Second)
	assert.Equal(t, proto.WorkerID(""), m.ResolveFallback("writer", proto.TriggerTimeout, 0),
		"rule must not trigger inside cooldown")

	clock = clock.Add(31 * time.Second)
	assert.Equal(t, proto.WorkerID("writer-lite"), m.ResolveFallback("writer", proto.TriggerTimeout, 0))
}

func TestResolveFallbackConditionAndPriority(t *testing.T) {
	m := NewManager(true, 2)

	_, err := m.AddFallbackRule(FallbackRule{
		Primary:           "writer",
		Fallback:          "backup-b",
		TriggerConditions: []proto.TriggerCondition{proto.TriggerError},
		Priority:          2,
		MaxUses:           5,
	})
	require.NoError(t, err)
	_, err = m.AddFallbackRule(FallbackRule{
		Primary:           "writer",
		Fallback:          "backup-a",
		TriggerConditions: []proto.TriggerCondition{proto.TriggerTimeout, proto.TriggerError},
		Priority:          1,
		MaxUses:           5,
	})
	require.NoError(t, err)

	assert.Equal(t, proto.WorkerID("backup-a"), m.ResolveFallback("writer", proto.TriggerError, 0),
		"lower priority value wins")
	assert.Equal(t, proto.WorkerID(""), m.ResolveFallback("writer", proto.TriggerManual, 0),
		"uncovered conditions must not match")
}

func TestResolveFallbackDepthGuard(t *testing.T) {
	m := NewManager(true, 2)

	_, err := m.AddFallbackRule(FallbackRule{
		Primary:           "writer",
		Fallback:          "writer-lite",
		TriggerConditions: []proto.TriggerCondition{proto.TriggerTimeout},
		MaxUses:           5,
	})
	require.NoError(t, err)

	assert.Equal(t, proto.WorkerID(""), m.ResolveFallback("writer", proto.TriggerTimeout, 2))
}

func TestOnTimeoutRetryThenFallback(t *testing.T) {
	m := NewManager(true, 2)

	_, err := m.SetPolicy(Policy{
		WorkerType:     "writer",
		TimeoutSeconds: 30,
		RetryCount:     1,
		Strategy:       StrategyFallback,
	})
	require.NoError(t, err)
	_, err = m.AddFallbackRule(FallbackRule{
		Primary:           "writer",
		Fallback:          "writer-lite",
		TriggerConditions: []proto.TriggerCondition{proto.TriggerTimeout},
		MaxUses:           3,
	})
	require.NoError(t, err)

	first := m.OnTimeout("writer", "work-1", proto.WorkTypeGenerate, 31.2, nil)
	assert.Equal(t, StrategyRetry, first.Strategy)

	attempt := m.RecordRetry("work-1", "writer", "timeout after 31.2s")
	assert.Equal(t, 1, attempt.AttemptNumber)
	assert.Equal(t, 1, m.RetriesUsed("work-1"), "an open attempt counts against the budget")

	second := m.OnTimeout("writer", "work-1", proto.WorkTypeGenerate, 30.8, nil)
	assert.Equal(t, StrategyFallback, second.Strategy)
	assert.Equal(t, proto.WorkerID("writer-lite"), second.FallbackWorker)

	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "work-1", events[0].WorkID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestOnTimeoutPolicyFallbackWorker(t *testing.T) {
	// No rule registered: the policy's own fallback worker carries the
	// second timeout once the single retry is spent.
	m := NewManager(true, 2)

	_, err := m.SetPolicy(Policy{
		WorkerType:     "writer",
		TimeoutSeconds: 30,
		RetryCount:     1,
		FallbackWorker: "writer-lite",
		Strategy:       StrategyFallback,
	})
	require.NoError(t, err)

	first := m.OnTimeout("writer", "work-2", proto.WorkTypeGenerate, 30.4, nil)
	assert.Equal(t, StrategyRetry, first.Strategy)

	m.RecordRetry("work-2", "writer", "timeout after 30.4s")

	second := m.OnTimeout("writer", "work-2", proto.WorkTypeGenerate, 30.1, nil)
	assert.Equal(t, StrategyFallback, second.Strategy)
	assert.Equal(t, proto.WorkerID("writer-lite"), second.FallbackWorker)
}

func TestOnTimeoutTerminalStrategies(t *testing.T) {
	m := NewManager(false, 2)

	_, err := m.SetPolicy(Policy{
		WorkerType:     "approver",
		TimeoutSeconds: 600,
		Strategy:       StrategyEscalate,
	})
	require.NoError(t, err)

	event := m.OnTimeout("approver", "work-9", proto.WorkTypeAwaitApproval, 601, nil)
	assert.Equal(t, StrategyEscalate, event.Strategy)

	event = m.OnTimeout("unknown", "work-10", proto.WorkTypeGather, 120, nil)
	assert.Equal(t, StrategyFail, event.Strategy, "no policy and no fallback must fail")
}

func TestRetryLedger(t *testing.T) {
	m := NewManager(true, 2)

	a1 := m.RecordRetry("work-3", "writer", "first failure")
	m.CompleteRetry("work-3", a1.AttemptNumber, false, 1500)
	assert.Equal(t, 0, m.RetriesUsed("work-3"), "a sealed failed attempt does not hold the budget")

	a2 := m.RecordRetry("work-3", "writer", "second failure")
	m.CompleteRetry("work-3", a2.AttemptNumber, true, 900)
	assert.Equal(t, 1, m.RetriesUsed("work-3"))

	attempts := m.Attempts("work-3")
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
	assert.True(t, attempts[1].Success)
	assert.False(t, attempts[0].Open())
}

func TestStatistics(t *testing.T) {
	m := NewManager(true, 2)

	_, err := m.AddFallbackRule(FallbackRule{
		Primary:           "writer",
		Fallback:          "writer-lite",
		TriggerConditions: []proto.TriggerCondition{proto.TriggerTimeout},
		MaxUses:           5,
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		m.RecordDispatch()
	}
	m.OnTimeout("writer", "work-1", proto.WorkTypeGenerate, 31, nil)
	m.OnTimeout("reader", "work-2", proto.WorkTypeGather, 45, nil)

	stats := m.Statistics()
	assert.Equal(t, 2, stats.TotalTimeouts)
	assert.InDelta(t, 0.2, stats.TimeoutRate, 1e-9)
	assert.Equal(t, 1, stats.ByStrategy[StrategyFallback])
	assert.Equal(t, 1, stats.ByStrategy[StrategyFail])
	assert.InDelta(t, 0.5, stats.FallbackRate, 1e-9)
}
