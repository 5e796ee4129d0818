// Package config resolves filesystem locations, environment variables, and
// the small set of tunables the compaction engine and escalation ladder need.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// AnthropicAPIKeyEnv is the environment variable holding the LLM provider's API key.
const AnthropicAPIKeyEnv = "ANTHROPIC_API_KEY"

// DBPathEnv names the database file location override.
const DBPathEnv = "LCM_DB_PATH"

// SessionIDEnv is the fallback session identifier when the hook's stdin JSON omits one.
const SessionIDEnv = "CLAUDE_SESSION_ID"

// configDirOverride is set by tests to redirect ConfigDir.
var configDirOverride string

// dataDirOverride is set by tests to redirect DataDir.
var dataDirOverride string

// ConfigDir returns the user config directory, defaulting to ~/.config/lcm.
func ConfigDir() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "lcm")
}

// DataDir returns ~/.lcm, creating it if needed. This is where the database,
// the ambient log, and per-session lockfiles live.
func DataDir() (string, error) {
	if dataDirOverride != "" {
		if err := os.MkdirAll(dataDirOverride, 0o700); err != nil {
			return "", err
		}
		return dataDirOverride, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".lcm")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// DBPath resolves the database file location: LCM_DB_PATH if set, else
// <DataDir>/lcm.db.
func DBPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(DBPathEnv)); p != "" {
		return p, nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lcm.db"), nil
}

// APIKey resolves the LLM provider API key from the environment.
func APIKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(AnthropicAPIKeyEnv))
	if key == "" {
		return "", fmt.Errorf("no API key found: set %s", AnthropicAPIKeyEnv)
	}
	return key, nil
}

// SessionID resolves a session identifier: the explicit value (from the hook's
// stdin JSON) if non-empty, else CLAUDE_SESSION_ID, else an error.
func SessionID(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := strings.TrimSpace(os.Getenv(SessionIDEnv)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no session id: neither hook input nor %s set", SessionIDEnv)
}

// EngineTunables are the Compaction Engine / Escalation Ladder constants the
// source spec calls out as implementer-exposed configuration (block-size
// bounds, condensation fan-out, soft/hard token thresholds). Zero values are
// replaced by DefaultEngineTunables.
type EngineTunables struct {
	TauSoft int `json:"tau_soft"`
	TauHard int `json:"tau_hard"`
	BMin    int `json:"b_min"`
	BMax    int `json:"b_max"`
	C       int `json:"condensation_fan_out"`
}

// DefaultEngineTunables returns the defaults named in the specification.
func DefaultEngineTunables() EngineTunables {
	return EngineTunables{
		TauSoft: 50_000,
		TauHard: 200_000,
		BMin:    4_000,
		BMax:    12_000,
		C:       5,
	}
}

// LoadEngineTunables reads <ConfigDir>/config.json if present, expanding
// ${VAR} / ${VAR:-default} references anywhere in the file text before
// parsing, and fills in defaults for anything left unset. A missing file is
// not an error.
func LoadEngineTunables() (EngineTunables, error) {
	t := DefaultEngineTunables()
	path := filepath.Join(ConfigDir(), "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, fmt.Errorf("reading %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))
	var override EngineTunables
	if err := json.Unmarshal([]byte(expanded), &override); err != nil {
		return t, fmt.Errorf("parsing %s: %w", path, err)
	}
	if override.TauSoft > 0 {
		t.TauSoft = override.TauSoft
	}
	if override.TauHard > 0 {
		t.TauHard = override.TauHard
	}
	if override.BMin > 0 {
		t.BMin = override.BMin
	}
	if override.BMax > 0 {
		t.BMax = override.BMax
	}
	if override.C > 0 {
		t.C = override.C
	}
	return t, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// lookupEnvFunc returns (value, exists) for an environment variable.
// Overridden in tests to control the environment.
var lookupEnvFunc = os.LookupEnv

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		if len(groups) >= 3 {
			defaultVal = groups[2]
		}
		if val, exists := lookupEnvFunc(varName); exists {
			return val
		}
		return strings.TrimSpace(defaultVal)
	})
}
