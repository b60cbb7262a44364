package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specfleet/pkg/proto"
	"specfleet/pkg/timeout"
)

const sampleConfig = `
run_id: run-42
workers:
  - id: reader
    capabilities: [gather, analyze]
  - id: writer
    capabilities: [generate, export]
    capability_weights:
      generate: 1.5
  - id: writer-lite
    capabilities: [generate]
routes:
  export: writer
owners:
  generate: writer
limits:
  - worker_id: writer
    max_concurrent: 2
    max_items_per_minute: 30
timeout_policies:
  - worker_type: writer
    timeout_seconds: 30
    retry_count: 1
    retry_delay_seconds: 0.5
    strategy: retry
fallback_rules:
  - primary_worker: writer
    fallback_worker: writer-lite
    trigger_conditions: [timeout, error]
    priority: 1
    max_uses: 3
    cooldown_seconds: 60
completion:
  required: [gather, generate, validate]
  optional: [export]
database_path: state/run.db
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "run-42", cfg.RunID)
	assert.Len(t, cfg.Workers, 3)
	assert.Equal(t, "writer", cfg.Routes["export"])
	assert.Equal(t, "state/run.db", cfg.DatabasePath)

	// Defaults fill in everything the file omitted.
	assert.Equal(t, DefaultMaxFallbackDepth, cfg.MaxFallbackDepth)
	assert.Equal(t, DefaultEventLogDir, cfg.EventLogDir)
	assert.Equal(t, DefaultCheckpointEvery, cfg.CheckpointEvery)
	assert.True(t, cfg.AutoFallbackEnabled())
	assert.Equal(t, 3, cfg.Health.MaxMissedHeartbeats)
}

func TestDescriptors(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	descriptors, err := cfg.Descriptors()
	require.NoError(t, err)
	require.Len(t, descriptors, 3)
	assert.Equal(t, proto.WorkerID("reader"), descriptors[0].WorkerID)
	assert.True(t, descriptors[0].CanHandle(proto.WorkTypeAnalyze))
	assert.InDelta(t, 1.5, descriptors[1].WeightFor(proto.WorkTypeGenerate), 1e-9)
	assert.InDelta(t, 1.0, descriptors[1].WeightFor(proto.WorkTypeExport), 1e-9)
}

func TestTimeoutManagerConstruction(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	manager, err := cfg.TimeoutManager()
	require.NoError(t, err)

	assert.InDelta(t, 30.0, manager.EffectiveTimeout("writer", proto.WorkTypeGenerate), 1e-9)
	assert.InDelta(t, timeout.DefaultTimeoutSeconds, manager.EffectiveTimeout("reader", proto.WorkTypeGather), 1e-9)

	fallback := manager.ResolveFallback("writer", proto.TriggerTimeout, 0)
	assert.Equal(t, proto.WorkerID("writer-lite"), fallback)
}

func TestCompletionSets(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, []proto.WorkType{proto.WorkTypeGather, proto.WorkTypeGenerate, proto.WorkTypeValidate}, cfg.RequiredWorkTypes())
	assert.Equal(t, []proto.WorkType{proto.WorkTypeExport}, cfg.OptionalWorkTypes())
}

func TestValidateConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no workers",
			yaml: "workers: []",
			want: "at least one worker",
		},
		{
			name: "duplicate worker id",
			yaml: `
workers:
  - id: reader
    capabilities: [gather]
  - id: reader
    capabilities: [analyze]
`,
			want: "duplicate worker id",
		},
		{
			name: "unknown capability",
			yaml: `
workers:
  - id: reader
    capabilities: [daydream]
`,
			want: "unknown work type",
		},
		{
			name: "route to unknown worker",
			yaml: `
workers:
  - id: reader
    capabilities: [gather]
routes:
  gather: ghost
`,
			want: "unknown worker",
		},
		{
			name: "bad strategy",
			yaml: `
workers:
  - id: reader
    capabilities: [gather]
timeout_policies:
  - worker_type: reader
    timeout_seconds: 10
    strategy: shrug
`,
			want: "unknown strategy",
		},
		{
			name: "self fallback",
			yaml: `
workers:
  - id: reader
    capabilities: [gather]
fallback_rules:
  - primary_worker: reader
    fallback_worker: reader
`,
			want: "must differ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
