package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/HebbZhu/multi-agent-living-system/internal/dashboard"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate.
const (
	DefaultStepBudget          = 50
	DefaultMaxReviewIterations = 3
	DefaultLLMModel            = "gpt-4.1-mini"
	DefaultConductorModel      = "gpt-4.1-nano"
	DefaultTemperature         = 0.3
	DefaultRedisURL            = "redis://localhost:6379/0"
)

// Config represents the top-level mals.yml configuration
type Config struct {
	Version       string              `yaml:"version"`
	Run           RunConfig           `yaml:"run"`
	Plan          []PlanStep          `yaml:"plan"`
	Agents        map[string]Agent    `yaml:"agents"`
	Conductor     ConductorConfig     `yaml:"conductor,omitempty"`
	Memory        MemoryConfig        `yaml:"memory,omitempty"`
	Blackboard    BlackboardConfig    `yaml:"blackboard,omitempty"`
	LLM           LLMConfig           `yaml:"llm,omitempty"`
	Logging       LoggingConfig       `yaml:"logging,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// RunConfig holds the inputs of one run.
type RunConfig struct {
	TaskID      string   `yaml:"task_id,omitempty"`
	Objective   string   `yaml:"objective"`
	Constraints []string `yaml:"constraints,omitempty"`
	StepBudget  int      `yaml:"step_budget,omitempty"`  // Default 50
	TokenBudget int      `yaml:"token_budget,omitempty"` // 0 = unlimited

	// ModelSelection overrides the model passed to individual agents.
	ModelSelection map[string]string `yaml:"model_selection,omitempty"`
}

// PlanStep is one entry of the initial plan.
type PlanStep struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
	TargetField string `yaml:"target_field"`
	Agent       string `yaml:"agent"`
}

// Agent represents a single agent configuration. An agent either runs a local
// command or is backed by a model prompt.
type Agent struct {
	Description          string   `yaml:"description,omitempty"`
	Role                 string   `yaml:"role"` // producer or reviewer
	Reads                []string `yaml:"reads,omitempty"`
	Steps                []string `yaml:"steps,omitempty"`
	HypothesisCategories []string `yaml:"hypothesis_categories,omitempty"`
	ReviewGated          bool     `yaml:"review_gated,omitempty"`
	Reviewer             string   `yaml:"reviewer,omitempty"`
	Model                string   `yaml:"model,omitempty"`

	Command     []string `yaml:"command,omitempty"`
	Dir         string   `yaml:"dir,omitempty"`
	Environment []string `yaml:"environment,omitempty"`

	Prompt string `yaml:"prompt,omitempty"`
}

// ConductorConfig specifies scheduling behaviour.
type ConductorConfig struct {
	MaxReviewIterations *int    `yaml:"max_review_iterations,omitempty"` // 0 = unlimited, default 3
	RepeatLimit         int     `yaml:"repeat_limit,omitempty"`          // 0 = default, negative disables the loop guard
	DashboardBudget     int     `yaml:"dashboard_budget,omitempty"`
	MaxAttempts         int     `yaml:"max_attempts,omitempty"`
	InvocationTimeout   string  `yaml:"invocation_timeout,omitempty"`
	RatePerSecond       float64 `yaml:"rate_per_second,omitempty"`
	TieBreak            string  `yaml:"tie_break,omitempty"` // plan_order or llm
}

// MemoryConfig bounds the memory tiers.
type MemoryConfig struct {
	HotBudgetBytes   int    `yaml:"hot_budget_bytes,omitempty"`
	WarmBudgetBytes  int    `yaml:"warm_budget_bytes,omitempty"`
	StaleAfterSteps  int    `yaml:"stale_after_steps,omitempty"`
	SynopsisLength   int    `yaml:"synopsis_length,omitempty"`
	Summarizer       string `yaml:"summarizer,omitempty"` // truncate or llm
	SummarizeTimeout string `yaml:"summarize_timeout,omitempty"`
}

// BlackboardConfig selects the persistence backend.
type BlackboardConfig struct {
	Backend   string `yaml:"backend,omitempty"` // memory or redis
	RedisURL  string `yaml:"redis_url,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// LLMConfig configures the OpenAI-compatible model endpoint.
type LLMConfig struct {
	Model          string  `yaml:"model,omitempty"`
	ConductorModel string  `yaml:"conductor_model,omitempty"`
	APIKey         string  `yaml:"api_key,omitempty"`
	BaseURL        string  `yaml:"base_url,omitempty"`
	Temperature    float32 `yaml:"temperature,omitempty"`
	MaxTokens      int     `yaml:"max_tokens,omitempty"`
}

// LoggingConfig configures the application logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // text or json
}

// ObservabilityConfig configures metrics, tracing and event recording.
type ObservabilityConfig struct {
	HealthAddr string `yaml:"health_addr,omitempty"` // Empty disables /healthz and /metrics
	Trace      string `yaml:"trace,omitempty"`       // none or stdout
	RecordPath string `yaml:"record_path,omitempty"` // Event recording export, disabled when empty
}

// Validate performs strict validation on the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if strings.TrimSpace(c.Run.Objective) == "" {
		return fmt.Errorf("run.objective is required")
	}
	if c.Run.TaskID != "" {
		if err := blackboard.ValidateName("run.task_id", c.Run.TaskID); err != nil {
			return err
		}
	}
	if c.Run.StepBudget < 0 {
		return fmt.Errorf("run.step_budget must be >= 0, got %d", c.Run.StepBudget)
	}
	if c.Run.StepBudget == 0 {
		c.Run.StepBudget = DefaultStepBudget
	}
	if c.Run.TokenBudget < 0 {
		return fmt.Errorf("run.token_budget must be >= 0 (0 = unlimited), got %d", c.Run.TokenBudget)
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents defined")
	}
	for name, agent := range c.Agents {
		if err := agent.Validate(name); err != nil {
			return err
		}
	}
	for name, agent := range c.Agents {
		if !agent.ReviewGated {
			continue
		}
		reviewer, ok := c.Agents[agent.Reviewer]
		if !ok {
			return fmt.Errorf("agent '%s': reviewer '%s' is not defined", name, agent.Reviewer)
		}
		if reviewer.Role != "reviewer" {
			return fmt.Errorf("agent '%s': '%s' is not a reviewer", name, agent.Reviewer)
		}
	}
	for name := range c.Run.ModelSelection {
		if _, ok := c.Agents[name]; !ok {
			return fmt.Errorf("run.model_selection: agent '%s' is not defined", name)
		}
	}

	if err := c.validatePlan(); err != nil {
		return err
	}
	if err := c.validateConductor(); err != nil {
		return err
	}
	if err := c.validateMemory(); err != nil {
		return err
	}

	switch c.Blackboard.Backend {
	case "":
		c.Blackboard.Backend = "memory"
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid blackboard.backend: %s (must be 'memory' or 'redis')", c.Blackboard.Backend)
	}
	if c.Blackboard.Backend == "redis" && c.Blackboard.RedisURL == "" {
		c.Blackboard.RedisURL = DefaultRedisURL
	}

	if c.LLM.Model == "" {
		c.LLM.Model = DefaultLLMModel
	}
	if c.LLM.ConductorModel == "" {
		c.LLM.ConductorModel = DefaultConductorModel
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = DefaultTemperature
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2, got %v", c.LLM.Temperature)
	}
	if c.LLM.MaxTokens < 0 {
		return fmt.Errorf("llm.max_tokens must be >= 0, got %d", c.LLM.MaxTokens)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging.format: %s (must be 'text' or 'json')", c.Logging.Format)
	}

	switch c.Observability.Trace {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("invalid observability.trace: %s (must be 'none' or 'stdout')", c.Observability.Trace)
	}

	return nil
}

func (c *Config) validatePlan() error {
	if len(c.Plan) == 0 {
		return fmt.Errorf("plan must contain at least one step")
	}
	seen := make(map[string]bool, len(c.Plan))
	for i, step := range c.Plan {
		if step.ID == "" {
			return fmt.Errorf("plan[%d]: id is required", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("plan: duplicate step id '%s'", step.ID)
		}
		seen[step.ID] = true
		if err := blackboard.ValidateName("target_field", step.TargetField); err != nil {
			return fmt.Errorf("plan step '%s': %w", step.ID, err)
		}
		if _, ok := c.Agents[step.Agent]; !ok {
			return fmt.Errorf("plan step '%s': agent '%s' is not defined", step.ID, step.Agent)
		}
	}
	return nil
}

func (c *Config) validateConductor() error {
	cc := &c.Conductor
	if cc.MaxReviewIterations == nil {
		defaultIterations := DefaultMaxReviewIterations
		cc.MaxReviewIterations = &defaultIterations
	}
	if *cc.MaxReviewIterations < 0 {
		return fmt.Errorf("conductor.max_review_iterations must be >= 0 (0 = unlimited), got %d", *cc.MaxReviewIterations)
	}
	if cc.DashboardBudget < 0 || (cc.DashboardBudget > 0 && cc.DashboardBudget < dashboard.MinBudget) {
		return fmt.Errorf("conductor.dashboard_budget must be 0 (default) or >= %d, got %d", dashboard.MinBudget, cc.DashboardBudget)
	}
	if cc.MaxAttempts < 0 {
		return fmt.Errorf("conductor.max_attempts must be >= 0, got %d", cc.MaxAttempts)
	}
	if cc.RatePerSecond < 0 {
		return fmt.Errorf("conductor.rate_per_second must be >= 0, got %v", cc.RatePerSecond)
	}
	if _, err := parseDuration("conductor.invocation_timeout", cc.InvocationTimeout); err != nil {
		return err
	}
	switch cc.TieBreak {
	case "":
		cc.TieBreak = "plan_order"
	case "plan_order", "llm":
	default:
		return fmt.Errorf("invalid conductor.tie_break: %s (must be 'plan_order' or 'llm')", cc.TieBreak)
	}
	return nil
}

func (c *Config) validateMemory() error {
	m := &c.Memory
	if m.HotBudgetBytes < 0 || m.WarmBudgetBytes < 0 || m.StaleAfterSteps < 0 || m.SynopsisLength < 0 {
		return fmt.Errorf("memory budgets must be >= 0")
	}
	if _, err := parseDuration("memory.summarize_timeout", m.SummarizeTimeout); err != nil {
		return err
	}
	switch m.Summarizer {
	case "":
		m.Summarizer = "truncate"
	case "truncate", "llm":
	default:
		return fmt.Errorf("invalid memory.summarizer: %s (must be 'truncate' or 'llm')", m.Summarizer)
	}
	return nil
}

// Validate performs validation on a single agent configuration
func (a *Agent) Validate(name string) error {
	if name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}

	if a.Role != "producer" && a.Role != "reviewer" {
		return fmt.Errorf("agent '%s': invalid role: '%s' (must be 'producer' or 'reviewer')", name, a.Role)
	}

	hasCommand := len(a.Command) > 0
	hasPrompt := strings.TrimSpace(a.Prompt) != ""
	if hasCommand == hasPrompt {
		return fmt.Errorf("agent '%s': exactly one of command or prompt must be provided", name)
	}

	if a.ReviewGated {
		if a.Role != "producer" {
			return fmt.Errorf("agent '%s': only producers can be review gated", name)
		}
		if a.Reviewer == "" {
			return fmt.Errorf("agent '%s': review_gated requires a reviewer", name)
		}
		if a.Reviewer == name {
			return fmt.Errorf("agent '%s': cannot review its own output", name)
		}
	}

	if a.Dir != "" {
		if _, err := os.Stat(a.Dir); os.IsNotExist(err) {
			return fmt.Errorf("agent '%s': dir does not exist: %s", name, a.Dir)
		}
	}

	for _, kv := range a.Environment {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("agent '%s': invalid environment entry '%s' (expected KEY=value)", name, kv)
		}
	}

	return nil
}

// UsesLLM reports whether any component needs the model endpoint.
func (c *Config) UsesLLM() bool {
	if c.Conductor.TieBreak == "llm" || c.Memory.Summarizer == "llm" {
		return true
	}
	for _, a := range c.Agents {
		if a.Prompt != "" {
			return true
		}
	}
	return false
}

// AgentModel returns the model an agent runs with: the run's model selection,
// then the agent's own setting, then the default model.
func (c *Config) AgentModel(name string) string {
	if m := c.Run.ModelSelection[name]; m != "" {
		return m
	}
	if m := c.Agents[name].Model; m != "" {
		return m
	}
	return c.LLM.Model
}

// InvocationTimeoutDuration returns the parsed per-invocation timeout (0 = default).
func (c *ConductorConfig) InvocationTimeoutDuration() time.Duration {
	d, _ := parseDuration("", c.InvocationTimeout)
	return d
}

// SummarizeTimeoutDuration returns the parsed summariser timeout (0 = default).
func (m *MemoryConfig) SummarizeTimeoutDuration() time.Duration {
	d, _ := parseDuration("", m.SummarizeTimeout)
	return d
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must be >= 0, got %s", key, s)
	}
	return d, nil
}

// ApplyEnv overrides configuration values from the environment. Environment
// values take precedence over the file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("MALS_LLM_MODEL", &c.LLM.Model)
	str("MALS_CONDUCTOR_MODEL", &c.LLM.ConductorModel)
	str("OPENAI_API_KEY", &c.LLM.APIKey)
	str("OPENAI_BASE_URL", &c.LLM.BaseURL)
	str("MALS_BLACKBOARD_BACKEND", &c.Blackboard.Backend)
	str("MALS_REDIS_URL", &c.Blackboard.RedisURL)
	str("MALS_LOG_LEVEL", &c.Logging.Level)
	str("MALS_LOG_FORMAT", &c.Logging.Format)
	str("MALS_HEALTH_ADDR", &c.Observability.HealthAddr)
	if err := integer("MALS_MAX_STEPS", &c.Run.StepBudget); err != nil {
		return err
	}
	return integer("MALS_TOKEN_BUDGET", &c.Run.TokenBudget)
}

// Parse decodes, overrides from the environment and validates a configuration.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load reads and validates mals.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
