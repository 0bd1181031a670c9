package config

import "fmt"

// AgentEnvConfig specifies the environment handed to a spawned agent session.
type AgentEnvConfig struct {
	// AgentName is the unique agent name (e.g., "builder-1").
	AgentName string

	// Capability is the agent's role tag (e.g., "builder", "scout").
	Capability string

	// Root is the project root containing .overstory/.
	Root string

	// SessionID is the ledger session id.
	SessionID string

	// SessionName is the tmux session name.
	SessionName string

	// BeadID is the work item the agent is bound to.
	BeadID string

	// ParentAgent is the spawning agent, empty for top-level agents.
	ParentAgent string

	// Depth is the agent's hierarchy depth.
	Depth int
}

// AgentEnv returns the environment variables for an agent session.
// Empty values are omitted so they never override the tmux session environment.
func AgentEnv(cfg AgentEnvConfig) map[string]string {
	env := map[string]string{
		"OVERSTORY_AGENT_NAME": cfg.AgentName,
		"OVERSTORY_CAPABILITY": cfg.Capability,
		"OVERSTORY_ROOT":       cfg.Root,
		"OVERSTORY_SESSION_ID": cfg.SessionID,
		"OVERSTORY_SESSION":    cfg.SessionName,
		"OVERSTORY_BEAD_ID":    cfg.BeadID,
		"OVERSTORY_PARENT":     cfg.ParentAgent,
		"OVERSTORY_DEPTH":      fmt.Sprintf("%d", cfg.Depth),
		"GIT_AUTHOR_NAME":      cfg.AgentName,
	}
	if cfg.Root != "" {
		// Keep git from walking above the project into an umbrella repo.
		env["GIT_CEILING_DIRECTORIES"] = cfg.Root
	}
	for k, v := range env {
		if v == "" {
			delete(env, k)
		}
	}
	return env
}
