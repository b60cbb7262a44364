// Package config provides configuration loading, validation, and defaulting
// for the fleet engine. Config files are YAML; a loaded Config is applied to
// explicitly constructed components, never to package globals.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"specfleet/pkg/limiter"
	"specfleet/pkg/proto"
	"specfleet/pkg/timeout"
)

// Default engine settings for fields the config file leaves empty.
const (
	DefaultMaxFallbackDepth = 3
	DefaultEventLogDir      = "logs"
	DefaultDatabasePath     = "specfleet.db"
	DefaultCheckpointEvery  = 1
)

// WorkerConfig declares one worker agent in the fleet.
type WorkerConfig struct {
	ID                string             `yaml:"id"`
	Capabilities      []string           `yaml:"capabilities"`
	CapabilityWeights map[string]float64 `yaml:"capability_weights,omitempty"`
}

// Descriptor converts the raw worker entry into the routing descriptor.
func (w *WorkerConfig) Descriptor() (proto.WorkerDescriptor, error) {
	descriptor := proto.WorkerDescriptor{WorkerID: proto.WorkerID(w.ID)}
	for _, raw := range w.Capabilities {
		workType, err := proto.ParseWorkType(raw)
		if err != nil {
			return proto.WorkerDescriptor{}, fmt.Errorf("worker %s: %w", w.ID, err)
		}
		descriptor.Capabilities = append(descriptor.Capabilities, workType)
	}
	if len(w.CapabilityWeights) > 0 {
		descriptor.CapabilityWeights = make(map[proto.WorkType]float64, len(w.CapabilityWeights))
		for raw, weight := range w.CapabilityWeights {
			workType, err := proto.ParseWorkType(raw)
			if err != nil {
				return proto.WorkerDescriptor{}, fmt.Errorf("worker %s weights: %w", w.ID, err)
			}
			descriptor.CapabilityWeights[workType] = weight
		}
	}
	return descriptor, nil
}

// TimeoutPolicyConfig is the YAML shape of one timeout policy.
type TimeoutPolicyConfig struct {
	WorkerType        string  `yaml:"worker_type"`
	WorkType          string  `yaml:"work_type,omitempty"`
	TimeoutSeconds    float64 `yaml:"timeout_seconds"`
	RetryCount        int     `yaml:"retry_count"`
	RetryDelaySeconds float64 `yaml:"retry_delay_seconds"`
	FallbackWorker    string  `yaml:"fallback_worker,omitempty"`
	Strategy          string  `yaml:"strategy"`
}

// FallbackRuleConfig is the YAML shape of one fallback routing rule.
type FallbackRuleConfig struct {
	Primary           string   `yaml:"primary_worker"`
	Fallback          string   `yaml:"fallback_worker"`
	TriggerConditions []string `yaml:"trigger_conditions"`
	Priority          int      `yaml:"priority"`
	MaxUses           int      `yaml:"max_uses"`
	CooldownSeconds   float64  `yaml:"cooldown_seconds"`
}

// DependencyOverride replaces the prerequisite list for one work type.
type DependencyOverride struct {
	WorkType      string   `yaml:"work_type"`
	Prerequisites []string `yaml:"prerequisites"`
}

// HealthConfig tunes the health monitor thresholds.
type HealthConfig struct {
	HeartbeatIntervalSeconds float64 `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  float64 `yaml:"heartbeat_timeout_seconds"`
	MaxMissedHeartbeats      int     `yaml:"max_missed_heartbeats"`
}

// Interval returns the heartbeat interval as a duration.
func (h HealthConfig) Interval() time.Duration {
	return time.Duration(h.HeartbeatIntervalSeconds * float64(time.Second))
}

// Timeout returns the heartbeat staleness cutoff as a duration.
func (h HealthConfig) Timeout() time.Duration {
	return time.Duration(h.HeartbeatTimeoutSeconds * float64(time.Second))
}

// CompletionConfig declares which work types a run must and may produce.
type CompletionConfig struct {
	Required []string `yaml:"required"`
	Optional []string `yaml:"optional,omitempty"`
}

// Config is the full engine configuration.
type Config struct {
	RunID            string                `yaml:"run_id,omitempty"`
	Workers          []WorkerConfig        `yaml:"workers"`
	Routes           map[string]string     `yaml:"routes,omitempty"`
	Owners           map[string]string     `yaml:"owners,omitempty"`
	Limits           []limiter.Limits      `yaml:"limits,omitempty"`
	TimeoutPolicies  []TimeoutPolicyConfig `yaml:"timeout_policies,omitempty"`
	FallbackRules    []FallbackRuleConfig  `yaml:"fallback_rules,omitempty"`
	AutoFallback     *bool                 `yaml:"auto_fallback,omitempty"`
	MaxFallbackDepth int                   `yaml:"max_fallback_depth,omitempty"`
	Dependencies     []DependencyOverride  `yaml:"dependencies,omitempty"`
	Health           HealthConfig          `yaml:"health,omitempty"`
	Completion       CompletionConfig      `yaml:"completion"`
	EventLogDir      string                `yaml:"event_log_dir,omitempty"`
	DatabasePath     string                `yaml:"database_path,omitempty"`
	CheckpointEvery  int                   `yaml:"checkpoint_every,omitempty"`
}

// LoadConfig reads, defaults, and validates a YAML config file.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses raw YAML bytes into a validated Config.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(config *Config) {
	if config.MaxFallbackDepth <= 0 {
		config.MaxFallbackDepth = DefaultMaxFallbackDepth
	}
	if config.EventLogDir == "" {
		config.EventLogDir = DefaultEventLogDir
	}
	if config.DatabasePath == "" {
		config.DatabasePath = DefaultDatabasePath
	}
	if config.CheckpointEvery <= 0 {
		config.CheckpointEvery = DefaultCheckpointEvery
	}
	if config.Health.HeartbeatIntervalSeconds <= 0 {
		config.Health.HeartbeatIntervalSeconds = 30
	}
	if config.Health.HeartbeatTimeoutSeconds <= 0 {
		config.Health.HeartbeatTimeoutSeconds = 300
	}
	if config.Health.MaxMissedHeartbeats <= 0 {
		config.Health.MaxMissedHeartbeats = 3
	}
	if len(config.Completion.Required) == 0 {
		config.Completion.Required = []string{
			string(proto.WorkTypeGather),
			string(proto.WorkTypeGenerate),
			string(proto.WorkTypeValidate),
		}
	}
}

func validateConfig(config *Config) error {
	if len(config.Workers) == 0 {
		return fmt.Errorf("at least one worker is required")
	}
	seen := make(map[string]bool, len(config.Workers))
	for i := range config.Workers {
		worker := &config.Workers[i]
		if worker.ID == "" {
			return fmt.Errorf("worker %d: id is required", i)
		}
		if seen[worker.ID] {
			return fmt.Errorf("duplicate worker id %s", worker.ID)
		}
		seen[worker.ID] = true
		if len(worker.Capabilities) == 0 {
			return fmt.Errorf("worker %s: at least one capability is required", worker.ID)
		}
		if _, err := worker.Descriptor(); err != nil {
			return err
		}
	}

	for rawType, workerID := range config.Routes {
		if _, err := proto.ParseWorkType(rawType); err != nil {
			return fmt.Errorf("route: %w", err)
		}
		if !seen[workerID] {
			return fmt.Errorf("route %s targets unknown worker %s", rawType, workerID)
		}
	}
	for rawType, workerID := range config.Owners {
		if _, err := proto.ParseWorkType(rawType); err != nil {
			return fmt.Errorf("owner: %w", err)
		}
		if !seen[workerID] {
			return fmt.Errorf("owner of %s is unknown worker %s", rawType, workerID)
		}
	}

	for i := range config.TimeoutPolicies {
		policy := &config.TimeoutPolicies[i]
		if policy.WorkerType == "" {
			return fmt.Errorf("timeout policy %d: worker_type is required", i)
		}
		if policy.TimeoutSeconds <= 0 {
			return fmt.Errorf("timeout policy %s: timeout_seconds must be positive", policy.WorkerType)
		}
		if _, ok := timeout.ValidateStrategy(policy.Strategy); !ok {
			return fmt.Errorf("timeout policy %s: unknown strategy %q", policy.WorkerType, policy.Strategy)
		}
		if policy.WorkType != "" {
			if _, err := proto.ParseWorkType(policy.WorkType); err != nil {
				return fmt.Errorf("timeout policy %s: %w", policy.WorkerType, err)
			}
		}
	}

	for i := range config.FallbackRules {
		rule := &config.FallbackRules[i]
		if rule.Primary == "" || rule.Fallback == "" {
			return fmt.Errorf("fallback rule %d: primary_worker and fallback_worker are required", i)
		}
		if rule.Primary == rule.Fallback {
			return fmt.Errorf("fallback rule %d: fallback must differ from primary", i)
		}
		for _, raw := range rule.TriggerConditions {
			if _, err := proto.ParseTriggerCondition(raw); err != nil {
				return fmt.Errorf("fallback rule %d: %w", i, err)
			}
		}
	}

	for i := range config.Dependencies {
		override := &config.Dependencies[i]
		if _, err := proto.ParseWorkType(override.WorkType); err != nil {
			return fmt.Errorf("dependency override %d: %w", i, err)
		}
		for _, raw := range override.Prerequisites {
			if _, err := proto.ParseWorkType(raw); err != nil {
				return fmt.Errorf("dependency override %s: %w", override.WorkType, err)
			}
		}
	}

	if _, err := parseWorkTypes(config.Completion.Required); err != nil {
		return fmt.Errorf("completion.required: %w", err)
	}
	if _, err := parseWorkTypes(config.Completion.Optional); err != nil {
		return fmt.Errorf("completion.optional: %w", err)
	}
	return nil
}

// AutoFallbackEnabled reports the auto_fallback flag, defaulting to on.
func (c *Config) AutoFallbackEnabled() bool {
	if c.AutoFallback == nil {
		return true
	}
	return *c.AutoFallback
}

// Descriptors returns the parsed worker descriptors in declaration order.
func (c *Config) Descriptors() ([]proto.WorkerDescriptor, error) {
	descriptors := make([]proto.WorkerDescriptor, 0, len(c.Workers))
	for i := range c.Workers {
		descriptor, err := c.Workers[i].Descriptor()
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors, nil
}

// TimeoutManager constructs a timeout manager carrying the configured
// policies and fallback rules.
func (c *Config) TimeoutManager() (*timeout.Manager, error) {
	manager := timeout.NewManager(c.AutoFallbackEnabled(), c.MaxFallbackDepth)
	for i := range c.TimeoutPolicies {
		raw := &c.TimeoutPolicies[i]
		policy := timeout.Policy{
			WorkerType:        raw.WorkerType,
			WorkType:          proto.WorkType(raw.WorkType),
			TimeoutSeconds:    raw.TimeoutSeconds,
			RetryCount:        raw.RetryCount,
			RetryDelaySeconds: raw.RetryDelaySeconds,
			FallbackWorker:    proto.WorkerID(raw.FallbackWorker),
			Strategy:          timeout.Strategy(raw.Strategy),
		}
		if _, err := manager.SetPolicy(policy); err != nil {
			return nil, err
		}
	}
	for i := range c.FallbackRules {
		raw := &c.FallbackRules[i]
		conditions := make([]proto.TriggerCondition, 0, len(raw.TriggerConditions))
		for _, rawCondition := range raw.TriggerConditions {
			condition, err := proto.ParseTriggerCondition(rawCondition)
			if err != nil {
				return nil, err
			}
			conditions = append(conditions, condition)
		}
		rule := timeout.FallbackRule{
			Primary:           proto.WorkerID(raw.Primary),
			Fallback:          proto.WorkerID(raw.Fallback),
			TriggerConditions: conditions,
			Priority:          raw.Priority,
			MaxUses:           raw.MaxUses,
			CooldownSeconds:   raw.CooldownSeconds,
			Active:            true,
		}
		if _, err := manager.AddFallbackRule(rule); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

// RequiredWorkTypes returns the parsed completion requirement.
func (c *Config) RequiredWorkTypes() []proto.WorkType {
	types, _ := parseWorkTypes(c.Completion.Required)
	return types
}

// OptionalWorkTypes returns the parsed optional completion set.
func (c *Config) OptionalWorkTypes() []proto.WorkType {
	types, _ := parseWorkTypes(c.Completion.Optional)
	return types
}

func parseWorkTypes(raw []string) ([]proto.WorkType, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	types := make([]proto.WorkType, 0, len(raw))
	for _, entry := range raw {
		workType, err := proto.ParseWorkType(entry)
		if err != nil {
			return nil, err
		}
		types = append(types, workType)
	}
	return types, nil
}
