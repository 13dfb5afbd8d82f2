package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `version: "1.0"
run:
  objective: "Implement a function that merges two sorted sequences"
  constraints: ["standard library only"]
plan:
  - id: write_code
    target_field: code
    agent: code_generator
  - id: review
    target_field: code
    agent: critic
agents:
  code_generator:
    role: producer
    command: ["./agents/coder.sh"]
    review_gated: true
    reviewer: critic
    reads: ["*"]
  critic:
    role: reviewer
    prompt: "You review code for correctness."
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mals.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func validConfig() *Config {
	return &Config{
		Version: "1.0",
		Run:     RunConfig{Objective: "ship it"},
		Plan:    []PlanStep{{ID: "write", TargetField: "code", Agent: "coder"}},
		Agents: map[string]Agent{
			"coder": {Role: "producer", Command: []string{"./coder.sh"}},
		},
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	config, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "1.0", config.Version)
	assert.Equal(t, []string{"standard library only"}, config.Run.Constraints)
	assert.Len(t, config.Plan, 2)
	assert.Len(t, config.Agents, 2)
	assert.Equal(t, []string{"./agents/coder.sh"}, config.Agents["code_generator"].Command)
	assert.True(t, config.Agents["code_generator"].ReviewGated)
	assert.True(t, config.UsesLLM())

	t.Run("defaults are applied", func(t *testing.T) {
		assert.Equal(t, DefaultStepBudget, config.Run.StepBudget)
		assert.Equal(t, 0, config.Run.TokenBudget)
		require.NotNil(t, config.Conductor.MaxReviewIterations)
		assert.Equal(t, DefaultMaxReviewIterations, *config.Conductor.MaxReviewIterations)
		assert.Equal(t, "plan_order", config.Conductor.TieBreak)
		assert.Equal(t, "truncate", config.Memory.Summarizer)
		assert.Equal(t, "memory", config.Blackboard.Backend)
		assert.Equal(t, DefaultLLMModel, config.LLM.Model)
		assert.Equal(t, DefaultConductorModel, config.LLM.ConductorModel)
		assert.InDelta(t, DefaultTemperature, config.LLM.Temperature, 0.0001)
	})
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/mals.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	invalidYAML := `version: "1.0"
agents:
  - this is invalid
    yaml syntax
`
	config, err := Load(writeConfig(t, invalidYAML))
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_ComplexConfig(t *testing.T) {
	complexYAML := `version: "1.0"
run:
  task_id: "merge-1"
  objective: "Merge sorted sequences"
  step_budget: 20
  token_budget: 50000
  model_selection:
    writer: gpt-4.1
plan:
  - id: research
    description: "Collect prior art"
    target_field: notes
    agent: researcher
  - id: draft
    target_field: draft
    agent: writer
agents:
  researcher:
    role: producer
    command: ["python3", "research.py"]
    environment: ["MODE=fast"]
    hypothesis_categories: ["assumption"]
  writer:
    role: producer
    prompt: "Write the draft."
    reads: ["notes"]
    model: gpt-4.1-mini
conductor:
  max_review_iterations: 0
  repeat_limit: -1
  dashboard_budget: 2048
  max_attempts: 2
  invocation_timeout: 90s
  rate_per_second: 2.5
  tie_break: llm
memory:
  hot_budget_bytes: 8192
  stale_after_steps: 4
  summarizer: llm
  summarize_timeout: 10s
blackboard:
  backend: redis
  namespace: "test:"
llm:
  temperature: 0.7
  max_tokens: 1024
logging:
  level: debug
  format: json
observability:
  health_addr: ":9090"
  trace: stdout
  record_path: run.json
`
	config, err := Load(writeConfig(t, complexYAML))
	require.NoError(t, err)

	assert.Equal(t, "merge-1", config.Run.TaskID)
	assert.Equal(t, 20, config.Run.StepBudget)
	assert.Equal(t, 50000, config.Run.TokenBudget)
	assert.Equal(t, "Collect prior art", config.Plan[0].Description)
	assert.Equal(t, []string{"MODE=fast"}, config.Agents["researcher"].Environment)

	assert.Equal(t, 0, *config.Conductor.MaxReviewIterations)
	assert.Equal(t, -1, config.Conductor.RepeatLimit)
	assert.Equal(t, 2048, config.Conductor.DashboardBudget)
	assert.Equal(t, "llm", config.Conductor.TieBreak)
	assert.Equal(t, 90_000_000_000, int(config.Conductor.InvocationTimeoutDuration()))
	assert.Equal(t, 10_000_000_000, int(config.Memory.SummarizeTimeoutDuration()))

	assert.Equal(t, "redis", config.Blackboard.Backend)
	assert.Equal(t, DefaultRedisURL, config.Blackboard.RedisURL)
	assert.Equal(t, "test:", config.Blackboard.Namespace)
	assert.Equal(t, "json", config.Logging.Format)
	assert.Equal(t, "stdout", config.Observability.Trace)
	assert.Equal(t, "run.json", config.Observability.RecordPath)

	assert.Equal(t, "gpt-4.1", config.AgentModel("writer"))
	assert.Equal(t, DefaultLLMModel, config.AgentModel("researcher"))
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:11434/v1")
	t.Setenv("MALS_LLM_MODEL", "llama3")
	t.Setenv("MALS_CONDUCTOR_MODEL", "llama3-small")
	t.Setenv("MALS_BLACKBOARD_BACKEND", "redis")
	t.Setenv("MALS_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("MALS_MAX_STEPS", "7")
	t.Setenv("MALS_TOKEN_BUDGET", "900")
	t.Setenv("MALS_LOG_LEVEL", "warn")

	config, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", config.LLM.APIKey)
	assert.Equal(t, "http://localhost:11434/v1", config.LLM.BaseURL)
	assert.Equal(t, "llama3", config.LLM.Model)
	assert.Equal(t, "llama3-small", config.LLM.ConductorModel)
	assert.Equal(t, "redis", config.Blackboard.Backend)
	assert.Equal(t, "redis://cache:6379/2", config.Blackboard.RedisURL)
	assert.Equal(t, 7, config.Run.StepBudget)
	assert.Equal(t, 900, config.Run.TokenBudget)
	assert.Equal(t, "warn", config.Logging.Level)

	t.Run("invalid number", func(t *testing.T) {
		t.Setenv("MALS_MAX_STEPS", "many")
		_, err := Load(writeConfig(t, validYAML))
		assert.ErrorContains(t, err, "invalid MALS_MAX_STEPS")
	})
}

func TestApplyEnv_EmptyValuesIgnored(t *testing.T) {
	config := validConfig()
	config.LLM.Model = "from-file"
	env := map[string]string{"MALS_LLM_MODEL": ""}

	require.NoError(t, config.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "from-file", config.LLM.Model)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid"},
		{
			name:    "unsupported version",
			mutate:  func(c *Config) { c.Version = "2.0" },
			wantErr: "unsupported version: 2.0",
		},
		{
			name:    "missing objective",
			mutate:  func(c *Config) { c.Run.Objective = "  " },
			wantErr: "run.objective is required",
		},
		{
			name:    "negative step budget",
			mutate:  func(c *Config) { c.Run.StepBudget = -1 },
			wantErr: "run.step_budget must be >= 0",
		},
		{
			name:    "negative token budget",
			mutate:  func(c *Config) { c.Run.TokenBudget = -5 },
			wantErr: "run.token_budget must be >= 0",
		},
		{
			name:    "no agents",
			mutate:  func(c *Config) { c.Agents = nil },
			wantErr: "no agents defined",
		},
		{
			name:    "empty plan",
			mutate:  func(c *Config) { c.Plan = nil },
			wantErr: "plan must contain at least one step",
		},
		{
			name: "duplicate step id",
			mutate: func(c *Config) {
				c.Plan = append(c.Plan, PlanStep{ID: "write", TargetField: "other", Agent: "coder"})
			},
			wantErr: "duplicate step id 'write'",
		},
		{
			name:    "step without target field",
			mutate:  func(c *Config) { c.Plan[0].TargetField = "" },
			wantErr: "target_field is required",
		},
		{
			name:    "target field with key separator",
			mutate:  func(c *Config) { c.Plan[0].TargetField = "code:v" },
			wantErr: "plan step 'write': target_field 'code:v' may only contain",
		},
		{
			name:    "task id with key separator",
			mutate:  func(c *Config) { c.Run.TaskID = "run:1" },
			wantErr: "run.task_id 'run:1' may only contain",
		},
		{
			name:    "task id too long",
			mutate:  func(c *Config) { c.Run.TaskID = strings.Repeat("t", 65) },
			wantErr: "run.task_id",
		},
		{
			name:    "dashboard budget below the floor",
			mutate:  func(c *Config) { c.Conductor.DashboardBudget = 100 },
			wantErr: "conductor.dashboard_budget must be 0 (default) or >= 512, got 100",
		},
		{
			name:   "dashboard budget at the floor",
			mutate: func(c *Config) { c.Conductor.DashboardBudget = 512 },
		},
		{
			name:    "step with unknown agent",
			mutate:  func(c *Config) { c.Plan[0].Agent = "ghost" },
			wantErr: "agent 'ghost' is not defined",
		},
		{
			name: "reviewer not defined",
			mutate: func(c *Config) {
				c.Agents["coder"] = Agent{Role: "producer", Command: []string{"x"}, ReviewGated: true, Reviewer: "critic"}
			},
			wantErr: "reviewer 'critic' is not defined",
		},
		{
			name: "reviewer is a producer",
			mutate: func(c *Config) {
				c.Agents["coder"] = Agent{Role: "producer", Command: []string{"x"}, ReviewGated: true, Reviewer: "other"}
				c.Agents["other"] = Agent{Role: "producer", Command: []string{"y"}}
			},
			wantErr: "'other' is not a reviewer",
		},
		{
			name:    "model selection for unknown agent",
			mutate:  func(c *Config) { c.Run.ModelSelection = map[string]string{"ghost": "gpt-4.1"} },
			wantErr: "run.model_selection: agent 'ghost' is not defined",
		},
		{
			name: "negative max review iterations",
			mutate: func(c *Config) {
				n := -1
				c.Conductor.MaxReviewIterations = &n
			},
			wantErr: "conductor.max_review_iterations must be >= 0",
		},
		{
			name:    "bad invocation timeout",
			mutate:  func(c *Config) { c.Conductor.InvocationTimeout = "soon" },
			wantErr: "invalid conductor.invocation_timeout",
		},
		{
			name:    "unknown tie break",
			mutate:  func(c *Config) { c.Conductor.TieBreak = "random" },
			wantErr: "invalid conductor.tie_break: random",
		},
		{
			name:    "negative memory budget",
			mutate:  func(c *Config) { c.Memory.HotBudgetBytes = -1 },
			wantErr: "memory budgets must be >= 0",
		},
		{
			name:    "unknown summarizer",
			mutate:  func(c *Config) { c.Memory.Summarizer = "magic" },
			wantErr: "invalid memory.summarizer: magic",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Blackboard.Backend = "etcd" },
			wantErr: "invalid blackboard.backend: etcd",
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.LLM.Temperature = 3 },
			wantErr: "llm.temperature must be between 0 and 2",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "invalid logging.level: verbose",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid logging.format: xml",
		},
		{
			name:    "unknown trace exporter",
			mutate:  func(c *Config) { c.Observability.Trace = "jaeger" },
			wantErr: "invalid observability.trace: jaeger",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			if tt.mutate != nil {
				tt.mutate(config)
			}
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAgentValidate(t *testing.T) {
	existingDir := t.TempDir()

	tests := []struct {
		name    string
		agent   Agent
		wantErr string
	}{
		{name: "command producer", agent: Agent{Role: "producer", Command: []string{"./run.sh"}}},
		{name: "prompt reviewer", agent: Agent{Role: "reviewer", Prompt: "Review it."}},
		{name: "existing dir", agent: Agent{Role: "producer", Command: []string{"./run.sh"}, Dir: existingDir}},
		{
			name:    "missing role",
			agent:   Agent{Command: []string{"./run.sh"}},
			wantErr: "invalid role: ''",
		},
		{
			name:    "unknown role",
			agent:   Agent{Role: "judge", Command: []string{"./run.sh"}},
			wantErr: "invalid role: 'judge'",
		},
		{
			name:    "neither command nor prompt",
			agent:   Agent{Role: "producer"},
			wantErr: "exactly one of command or prompt",
		},
		{
			name:    "both command and prompt",
			agent:   Agent{Role: "producer", Command: []string{"x"}, Prompt: "y"},
			wantErr: "exactly one of command or prompt",
		},
		{
			name:    "gated reviewer",
			agent:   Agent{Role: "reviewer", Prompt: "x", ReviewGated: true, Reviewer: "other"},
			wantErr: "only producers can be review gated",
		},
		{
			name:    "gated without reviewer",
			agent:   Agent{Role: "producer", Command: []string{"x"}, ReviewGated: true},
			wantErr: "review_gated requires a reviewer",
		},
		{
			name:    "self review",
			agent:   Agent{Role: "producer", Command: []string{"x"}, ReviewGated: true, Reviewer: "test-agent"},
			wantErr: "cannot review its own output",
		},
		{
			name:    "missing dir",
			agent:   Agent{Role: "producer", Command: []string{"x"}, Dir: "/nonexistent/path"},
			wantErr: "dir does not exist",
		},
		{
			name:    "bad environment entry",
			agent:   Agent{Role: "producer", Command: []string{"x"}, Environment: []string{"NOVALUE"}},
			wantErr: "invalid environment entry 'NOVALUE'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.agent.Validate("test-agent")
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUsesLLM(t *testing.T) {
	config := validConfig()
	require.NoError(t, config.Validate())
	assert.False(t, config.UsesLLM())

	config.Memory.Summarizer = "llm"
	assert.True(t, config.UsesLLM())

	config.Memory.Summarizer = "truncate"
	config.Conductor.TieBreak = "llm"
	assert.True(t, config.UsesLLM())
}
