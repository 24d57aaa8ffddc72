package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultConfigYAML is written by Init as a starting point. Every value
// matches the built-in defaults, so uncommenting a line is a no-op until
// the value is changed.
const defaultConfigYAML = `# overseer configuration.
# Values here override built-in defaults; OVERSEER_* environment
# variables override both. ANTHROPIC_API_KEY always wins for the key.

anthropic:
  api_key: ""
  # model: claude-sonnet-4-20250514

store:
  # backend: sqlite | postgres
  backend: sqlite
  # sqlite:
  #   path: ~/.local/share/overseer/runs.db
  # postgres:
  #   url: postgres://localhost/overseer
  #   max_conns: 8
  # redis:
  #   addr: localhost:6379
  #   ttl: 1h

# registry:
#   capacity: 200
#   retention: 24h
#   cross_process: false

# session:
#   lane_capacity: 4
#   default_timeout: 10m
#   announce_max_attempts: 3
#   announce_backoff_base: 100ms

# scheduler:
#   max_parallel: 3
#   task_timeout: 5m
#   abort_on_failure: false

# router:
#   skip_threshold: 0.75
#   remote_min_confidence: 0.60
#   keyword_floor: 0.30

# decomposer:
#   max_subtasks: 5

# admission:
#   max_per_conversation: 10
#   max_per_requester: 5
#   max_per_lineage: 8
#   max_depth: 3

# agents:
#   dir: ~/.config/overseer/agents
`

// Init writes a commented default config file and creates the agents
// directory. It refuses to overwrite an existing config and returns the
// path it wrote.
func Init() (string, error) {
	configDir := getUserConfigDir()
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return "", fmt.Errorf("config already exists at %s", configPath)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0o644); err != nil {
		return "", fmt.Errorf("writing config: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(configDir, "agents"), 0o755); err != nil {
		return "", fmt.Errorf("creating agents directory: %w", err)
	}
	return configPath, nil
}
