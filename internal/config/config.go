// Package config turns viper settings into a typed, validated Config.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	StateDir string
	DBPath   string

	Log struct {
		Level  string
		Format string
	}

	Anthropic struct {
		APIKey      string
		Model       string
		MaxTokens   int64
		Temperature float64
	}

	Retry struct {
		MaxAttempts int
		BaseDelay   time.Duration
		MaxDelay    time.Duration
	}

	Agent struct {
		MaxIterations     int
		EndlessMode       bool
		EditMode          string
		CustomConstraints []string
		ProjectName       string
		Stream            bool
		SummaryEvery      int
	}

	Sessions struct {
		MaxConcurrent int
		CeilingPolicy string
		BlockTimeout  time.Duration
	}

	Sandbox struct {
		Driver         string
		Image          string
		Dockerfile     string
		BuildContext   string
		DockerHost     string
		Memory         string
		CPUs           string
		Network        string
		ExecTimeout    time.Duration
		MaxOutputBytes int
	}

	Git struct {
		MainBranch   string
		BranchPrefix string
		WorktreesDir string
		AutoCommit   bool
		AutoPush     bool
		UserName     string
		UserEmail    string
	}

	GitHub struct {
		PullRequests bool
	}

	Commands struct {
		LintFix  string
		Test     string
		Coverage string
		// Detect fills unset commands from the repository's language.
		Detect bool
	}

	Tools struct {
		Disabled    []string
		Timeout     time.Duration
		MaxParallel int
	}

	Bus struct {
		Buffer int
		Policy string
	}

	Serve struct {
		Port int
	}
}

// Enumerated values.
const (
	EditModeWhole = "whole"
	EditModeLine  = "line"

	CeilingReject = "reject"
	CeilingBlock  = "block"

	DriverDocker = "docker"
	DriverLocal  = "local"
)

// Key describes a config key and its environment override.
type Key struct {
	Name   string
	EnvVar string
}

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "FLOCK"

// Keys lists the keys shown by `flock config show`.
var Keys = []Key{
	{"state_dir", "FLOCK_STATE_DIR"},
	{"db_path", "FLOCK_DB_PATH"},
	{"log.level", "FLOCK_LOG_LEVEL"},
	{"log.format", "FLOCK_LOG_FORMAT"},
	{"anthropic.model", "FLOCK_ANTHROPIC_MODEL"},
	{"anthropic.max_tokens", "FLOCK_ANTHROPIC_MAX_TOKENS"},
	{"anthropic.temperature", "FLOCK_ANTHROPIC_TEMPERATURE"},
	{"llm.retry.max_attempts", "FLOCK_LLM_RETRY_MAX_ATTEMPTS"},
	{"agent.max_iterations", "FLOCK_AGENT_MAX_ITERATIONS"},
	{"agent.endless_mode", "FLOCK_AGENT_ENDLESS_MODE"},
	{"agent.edit_mode", "FLOCK_AGENT_EDIT_MODE"},
	{"agent.stream", "FLOCK_AGENT_STREAM"},
	{"agent.summary_every", "FLOCK_AGENT_SUMMARY_EVERY"},
	{"sessions.max_concurrent", "FLOCK_SESSIONS_MAX_CONCURRENT"},
	{"sessions.ceiling_policy", "FLOCK_SESSIONS_CEILING_POLICY"},
	{"sandbox.driver", "FLOCK_SANDBOX_DRIVER"},
	{"sandbox.image", "FLOCK_SANDBOX_IMAGE"},
	{"sandbox.exec_timeout", "FLOCK_SANDBOX_EXEC_TIMEOUT"},
	{"git.main_branch", "FLOCK_GIT_MAIN_BRANCH"},
	{"git.branch_prefix", "FLOCK_GIT_BRANCH_PREFIX"},
	{"git.auto_commit", "FLOCK_GIT_AUTO_COMMIT"},
	{"git.auto_push", "FLOCK_GIT_AUTO_PUSH"},
	{"github.pull_requests", "FLOCK_GITHUB_PULL_REQUESTS"},
	{"commands.lint_fix", "FLOCK_COMMANDS_LINT_FIX"},
	{"commands.test", "FLOCK_COMMANDS_TEST"},
	{"commands.detect", "FLOCK_COMMANDS_DETECT"},
	{"tools.max_parallel", "FLOCK_TOOLS_MAX_PARALLEL"},
	{"bus.buffer", "FLOCK_BUS_BUFFER"},
	{"bus.policy", "FLOCK_BUS_POLICY"},
	{"serve.port", "FLOCK_SERVE_PORT"},
}

// SetDefaults registers every default on v. stateDir is usually
// ~/.config/flock.
func SetDefaults(v *viper.Viper, stateDir string) {
	v.SetDefault("state_dir", stateDir)
	v.SetDefault("db_path", filepath.Join(stateDir, "flock.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("llm.retry.max_attempts", 5)
	v.SetDefault("llm.retry.base_delay", time.Second)
	v.SetDefault("llm.retry.max_delay", 30*time.Second)

	v.SetDefault("agent.max_iterations", 50)
	v.SetDefault("agent.endless_mode", false)
	v.SetDefault("agent.edit_mode", EditModeWhole)
	v.SetDefault("agent.custom_constraints", []string{})
	v.SetDefault("agent.project_name", "")
	v.SetDefault("agent.stream", true)
	v.SetDefault("agent.summary_every", 10)

	v.SetDefault("sessions.max_concurrent", 4)
	v.SetDefault("sessions.ceiling_policy", CeilingReject)
	v.SetDefault("sessions.block_timeout", 30*time.Second)

	v.SetDefault("sandbox.driver", DriverDocker)
	v.SetDefault("sandbox.image", "flock-sandbox:latest")
	v.SetDefault("sandbox.dockerfile", "")
	v.SetDefault("sandbox.build_context", ".")
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.memory", "2g")
	v.SetDefault("sandbox.cpus", "2")
	v.SetDefault("sandbox.network", "")
	v.SetDefault("sandbox.exec_timeout", 2*time.Minute)
	v.SetDefault("sandbox.max_output_bytes", 100000)

	v.SetDefault("git.main_branch", "main")
	v.SetDefault("git.branch_prefix", "flock/")
	v.SetDefault("git.worktrees_dir", "")
	v.SetDefault("git.auto_commit", true)
	v.SetDefault("git.auto_push", false)
	v.SetDefault("git.user_name", "flock")
	v.SetDefault("git.user_email", "flock@localhost")

	v.SetDefault("github.pull_requests", false)

	v.SetDefault("commands.lint_fix", "")
	v.SetDefault("commands.test", "")
	v.SetDefault("commands.coverage", "")
	v.SetDefault("commands.detect", true)

	v.SetDefault("tools.disabled", []string{})
	v.SetDefault("tools.timeout", 2*time.Minute)
	v.SetDefault("tools.max_parallel", 8)

	v.SetDefault("bus.buffer", 256)
	v.SetDefault("bus.policy", "drop_oldest")

	v.SetDefault("serve.port", 8080)
}

// Load builds a Config from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{}
	c.StateDir = v.GetString("state_dir")
	c.DBPath = v.GetString("db_path")
	c.Log.Level = v.GetString("log.level")
	c.Log.Format = v.GetString("log.format")

	c.Anthropic.APIKey = v.GetString("anthropic.api_key")
	c.Anthropic.Model = v.GetString("anthropic.model")
	c.Anthropic.MaxTokens = v.GetInt64("anthropic.max_tokens")
	c.Anthropic.Temperature = v.GetFloat64("anthropic.temperature")
	c.Retry.MaxAttempts = v.GetInt("llm.retry.max_attempts")
	c.Retry.BaseDelay = v.GetDuration("llm.retry.base_delay")
	c.Retry.MaxDelay = v.GetDuration("llm.retry.max_delay")

	c.Agent.MaxIterations = v.GetInt("agent.max_iterations")
	c.Agent.EndlessMode = v.GetBool("agent.endless_mode")
	c.Agent.EditMode = v.GetString("agent.edit_mode")
	c.Agent.CustomConstraints = v.GetStringSlice("agent.custom_constraints")
	c.Agent.ProjectName = v.GetString("agent.project_name")
	c.Agent.Stream = v.GetBool("agent.stream")
	c.Agent.SummaryEvery = v.GetInt("agent.summary_every")

	c.Sessions.MaxConcurrent = v.GetInt("sessions.max_concurrent")
	c.Sessions.CeilingPolicy = v.GetString("sessions.ceiling_policy")
	c.Sessions.BlockTimeout = v.GetDuration("sessions.block_timeout")

	c.Sandbox.Driver = v.GetString("sandbox.driver")
	c.Sandbox.Image = v.GetString("sandbox.image")
	c.Sandbox.Dockerfile = v.GetString("sandbox.dockerfile")
	c.Sandbox.BuildContext = v.GetString("sandbox.build_context")
	c.Sandbox.DockerHost = v.GetString("sandbox.docker_host")
	c.Sandbox.Memory = v.GetString("sandbox.memory")
	c.Sandbox.CPUs = v.GetString("sandbox.cpus")
	c.Sandbox.Network = v.GetString("sandbox.network")
	c.Sandbox.ExecTimeout = v.GetDuration("sandbox.exec_timeout")
	c.Sandbox.MaxOutputBytes = v.GetInt("sandbox.max_output_bytes")

	c.Git.MainBranch = v.GetString("git.main_branch")
	c.Git.BranchPrefix = v.GetString("git.branch_prefix")
	c.Git.WorktreesDir = v.GetString("git.worktrees_dir")
	c.Git.AutoCommit = v.GetBool("git.auto_commit")
	c.Git.AutoPush = v.GetBool("git.auto_push")
	c.Git.UserName = v.GetString("git.user_name")
	c.Git.UserEmail = v.GetString("git.user_email")

	c.GitHub.PullRequests = v.GetBool("github.pull_requests")

	c.Commands.LintFix = v.GetString("commands.lint_fix")
	c.Commands.Test = v.GetString("commands.test")
	c.Commands.Coverage = v.GetString("commands.coverage")
	c.Commands.Detect = v.GetBool("commands.detect")

	c.Tools.Disabled = v.GetStringSlice("tools.disabled")
	c.Tools.Timeout = v.GetDuration("tools.timeout")
	c.Tools.MaxParallel = v.GetInt("tools.max_parallel")

	c.Bus.Buffer = v.GetInt("bus.buffer")
	c.Bus.Policy = v.GetString("bus.policy")

	c.Serve.Port = v.GetInt("serve.port")

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks enumerated values and limits.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(key, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %v", key, val, allowed))
	}
	positive := func(key string, n int64) {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", key, n))
		}
	}

	oneOf("log.format", c.Log.Format, "text", "json")
	oneOf("log.level", c.Log.Level, "debug", "info", "warn", "error")
	oneOf("agent.edit_mode", c.Agent.EditMode, EditModeWhole, EditModeLine)
	oneOf("sessions.ceiling_policy", c.Sessions.CeilingPolicy, CeilingReject, CeilingBlock)
	oneOf("sandbox.driver", c.Sandbox.Driver, DriverDocker, DriverLocal)
	oneOf("bus.policy", c.Bus.Policy, "drop_oldest", "reject")

	positive("anthropic.max_tokens", c.Anthropic.MaxTokens)
	positive("llm.retry.max_attempts", int64(c.Retry.MaxAttempts))
	positive("agent.max_iterations", int64(c.Agent.MaxIterations))
	positive("sessions.max_concurrent", int64(c.Sessions.MaxConcurrent))
	positive("sandbox.exec_timeout", int64(c.Sandbox.ExecTimeout))
	positive("sandbox.max_output_bytes", int64(c.Sandbox.MaxOutputBytes))
	positive("tools.timeout", int64(c.Tools.Timeout))
	positive("tools.max_parallel", int64(c.Tools.MaxParallel))
	positive("bus.buffer", int64(c.Bus.Buffer))

	if c.Sandbox.Driver == DriverDocker && c.Sandbox.Image == "" {
		errs = append(errs, errors.New("sandbox.image: required for the docker driver"))
	}
	if c.Agent.SummaryEvery < 0 {
		errs = append(errs, fmt.Errorf("agent.summary_every: must not be negative, got %d", c.Agent.SummaryEvery))
	}
	if c.Serve.Port <= 0 || c.Serve.Port > 65535 {
		errs = append(errs, fmt.Errorf("serve.port: %d out of range", c.Serve.Port))
	}
	return errors.Join(errs...)
}
