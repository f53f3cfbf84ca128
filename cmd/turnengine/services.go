// Process-wide wiring: the single Services struct built once per process
// (spec §2, §9 "global managers"), grounded on cmd/nexus/main.go's
// buildRootCmd flow of loading config once and handing shared managers to
// every subcommand/handler.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kestrelcode/turnengine/internal/accounts"
	"github.com/kestrelcode/turnengine/internal/agent"
	"github.com/kestrelcode/turnengine/internal/agent/providers"
	"github.com/kestrelcode/turnengine/internal/config"
	"github.com/kestrelcode/turnengine/internal/configstore"
	"github.com/kestrelcode/turnengine/internal/mcp"
)

// Services holds every long-lived manager a session task needs. It is
// built once in main and shared read-only (mutation happens inside the
// managers themselves, each with its own lock) across every thread.
type Services struct {
	Logger *slog.Logger

	Config      *config.Config
	ConfigStore *configstore.Store
	ConfigPath  string
	CodeHome    string

	Accounts *accounts.Store
	MCP      *mcp.Manager

	ApprovalChecker *agent.ApprovalChecker
}

// newServices loads the config file and constructs every process-wide
// manager. codeHome is the directory holding accounts_store.json and the
// sessions/ rollout tree (spec §6, "Persisted state layout").
func newServices(configPath, codeHome string) (*Services, error) {
	logger := slog.Default().With("component", "turnengine")

	if codeHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		codeHome = filepath.Join(home, ".turnengine")
	}
	if err := os.MkdirAll(codeHome, 0o700); err != nil {
		return nil, fmt.Errorf("create code home: %w", err)
	}

	cfg, err := loadOrDefaultConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyLoggingLevel(logger, cfg.Logging)

	store := configstore.New(configPath)

	acctStore, err := accounts.Load(codeHome, "", "")
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	mcpManager := mcp.NewManager(&cfg.MCP, logger)

	approvalPolicy := approvalPolicyFromConfig(cfg.Tools.Execution.Approval)
	approvalChecker := agent.NewApprovalChecker(approvalPolicy)

	return &Services{
		Logger:          logger,
		Config:          cfg,
		ConfigStore:     store,
		ConfigPath:      configPath,
		CodeHome:        codeHome,
		Accounts:        acctStore,
		MCP:             mcpManager,
		ApprovalChecker: approvalChecker,
	}, nil
}

// loadOrDefaultConfig loads configPath, tolerating a missing file by
// falling back to an empty, default-applied Config (fresh installs have
// no config file yet).
func loadOrDefaultConfig(configPath string) (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &config.Config{}
		return cfg, nil
	}
	return config.Load(configPath)
}

func applyLoggingLevel(logger *slog.Logger, lc config.LoggingConfig) {
	// Level/format are applied by main's handler construction; this hook
	// exists so future per-call log-level overrides have a single place
	// to land.
	_ = lc
}

func approvalPolicyFromConfig(ac config.ApprovalConfig) *agent.ApprovalPolicy {
	policy := agent.DefaultApprovalPolicy()
	if len(ac.Allowlist) > 0 {
		policy.Allowlist = ac.Allowlist
	}
	if len(ac.Denylist) > 0 {
		policy.Denylist = ac.Denylist
	}
	if len(ac.SafeBins) > 0 {
		policy.SafeBins = ac.SafeBins
	}
	if ac.SkillAllowlist != nil {
		policy.SkillAllowlist = *ac.SkillAllowlist
	}
	return policy
}

// newLLMProvider selects and constructs the configured default provider
// (spec §3, "Provider abstraction"). Unknown/unset provider names fall
// back to Anthropic, matching the teacher's "first provider wins" posture
// in its provider registries.
func newLLMProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := cfg.LLM.DefaultProvider
	providerCfg := cfg.LLM.Providers[name]

	switch name {
	case "openai":
		return providers.NewOpenAIProvider(providerCfg.APIKey), nil
	case "azure":
		return providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:   providerCfg.BaseURL,
			APIKey:     providerCfg.APIKey,
			APIVersion: providerCfg.APIVersion,
		})
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{})
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{APIKey: providerCfg.APIKey})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		}), nil
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       providerCfg.APIKey,
			DefaultModel: providerCfg.DefaultModel,
		})
	case "copilot_proxy":
		return providers.NewCopilotProxyProvider(providers.CopilotProxyConfig{BaseURL: providerCfg.BaseURL})
	case "anthropic", "":
		fallthrough
	default:
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  providerCfg.APIKey,
			BaseURL: providerCfg.BaseURL,
		})
	}
}
