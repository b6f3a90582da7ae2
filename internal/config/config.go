package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Search    SearchConfig    `json:"search" yaml:"search"`
	Hooks     HooksConfig     `json:"hooks" yaml:"hooks"`
	Display   DisplayConfig   `json:"display" yaml:"display"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Evaluate  EvaluateConfig  `json:"evaluate" yaml:"evaluate"`
	Extract   ExtractConfig   `json:"extract" yaml:"extract"`
	Log       LogConfig       `json:"log" yaml:"log"`

	home string
}

// SearchConfig contains retrieval settings.
type SearchConfig struct {
	TopK int `json:"top_k" yaml:"top_k"`
}

// HooksConfig gates the two retrieval hook paths.
type HooksConfig struct {
	PromptEnabled  bool     `json:"prompt_enabled" yaml:"prompt_enabled"`
	ToolUseEnabled bool     `json:"tool_use_enabled" yaml:"tool_use_enabled"`
	SkipTools      []string `json:"skip_tools" yaml:"skip_tools"`
}

// SkipsTool reports whether retrieval is disabled for the given tool name.
func (h HooksConfig) SkipsTool(name string) bool {
	for _, t := range h.SkipTools {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// DisplayConfig shapes the injected lesson block.
type DisplayConfig struct {
	MaxEngramsPerPrompt int  `json:"max_engrams_per_prompt" yaml:"max_engrams_per_prompt"`
	MaxEngramsPerTool   int  `json:"max_engrams_per_tool" yaml:"max_engrams_per_tool"`
	ShowCategories      bool `json:"show_categories" yaml:"show_categories"`
}

// ServerConfig contains request-server settings.
type ServerConfig struct {
	AcceptTimeout  Duration `json:"accept_timeout" yaml:"accept_timeout"`
	ReceiveTimeout Duration `json:"receive_timeout" yaml:"receive_timeout"`
	IdleTimeout    Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// EmbeddingConfig contains embedding service settings.
type EmbeddingConfig struct {
	APIKey     string `json:"-" yaml:"-"` // env-only, never in a config file
	Model      string `json:"model" yaml:"model"`
	Dimensions int    `json:"dimensions" yaml:"dimensions"`
}

// LLMConfig describes the external scorer subprocess.
type LLMConfig struct {
	Command string   `json:"command" yaml:"command"`
	Model   string   `json:"model" yaml:"model"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// EvaluateConfig contains relevance-evaluator settings.
type EvaluateConfig struct {
	TranscriptDir string `json:"transcript_dir" yaml:"transcript_dir"`
	SessionLimit  int    `json:"session_limit" yaml:"session_limit"`
}

// ExtractConfig contains extractor settings.
type ExtractConfig struct {
	FacetsDir     string `json:"facets_dir" yaml:"facets_dir"`
	TranscriptDir string `json:"transcript_dir" yaml:"transcript_dir"`
	SessionLimit  int    `json:"session_limit" yaml:"session_limit"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

// Duration is a wrapper around time.Duration that parses from JSON and YAML
// strings like "15m".
type Duration time.Duration

// Duration converts to the standard library type.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalJSON implements json.Unmarshaler for Duration.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Tolerate bare numbers (seconds).
		var secs float64
		if err := json.Unmarshal(data, &secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler for Duration.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → config file → env vars.
// The config file lives in the home directory as config.json (config.yaml is
// accepted as an alternative). A missing file is not an error.
func Load() (*Config, error) {
	home, err := HomeDir()
	if err != nil {
		return nil, err
	}
	return LoadFromHome(home)
}

// LoadFromHome loads configuration rooted at an explicit home directory.
func LoadFromHome(home string) (*Config, error) {
	cfg := newDefaults()
	cfg.home = home

	for _, name := range []string{"config.json", "config.yaml"} {
		path := filepath.Join(home, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := decodeConfig(cfg, path, data); err != nil {
			return nil, err
		}
		break
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func decodeConfig(cfg *Config, path string, data []byte) error {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// HomeDir resolves the engrammar home directory, default ~/.engrammar.
func HomeDir() (string, error) {
	if v := os.Getenv("ENGRAMMAR_HOME"); v != "" {
		return v, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(userHome, ".engrammar"), nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Search: SearchConfig{
			TopK: 5,
		},
		Hooks: HooksConfig{
			PromptEnabled:  true,
			ToolUseEnabled: true,
		},
		Display: DisplayConfig{
			MaxEngramsPerPrompt: 5,
			MaxEngramsPerTool:   3,
			ShowCategories:      true,
		},
		Server: ServerConfig{
			AcceptTimeout:  Duration(5 * time.Second),
			ReceiveTimeout: Duration(5 * time.Second),
			IdleTimeout:    Duration(15 * time.Minute),
		},
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
		LLM: LLMConfig{
			Command: "claude",
			Timeout: Duration(300 * time.Second),
		},
		Evaluate: EvaluateConfig{
			SessionLimit: 20,
		},
		Extract: ExtractConfig{
			SessionLimit: 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ENGRAMMAR_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("ENGRAMMAR_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("ENGRAMMAR_LLM_COMMAND"); v != "" {
		cfg.LLM.Command = v
	}
	if v := os.Getenv("ENGRAMMAR_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ENGRAMMAR_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("ENGRAMMAR_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.IdleTimeout = Duration(d)
		}
	}
	if v := os.Getenv("ENGRAMMAR_SEARCH_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Search.TopK = n
		}
	}
	if v := os.Getenv("ENGRAMMAR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// InternalRun reports whether this process was spawned by the daemon for
// maintenance, so hook entry points do not recurse into the hook runtime.
func InternalRun() bool {
	return os.Getenv("ENGRAMMAR_INTERNAL") == "1"
}

// --- Home directory layout ---

// Home returns the root directory this configuration is anchored at.
func (c *Config) Home() string { return c.home }

// DBPath is the SQLite database file.
func (c *Config) DBPath() string { return filepath.Join(c.home, "engrammar.db") }

// VectorPath is the dense matrix over engram texts.
func (c *Config) VectorPath() string { return filepath.Join(c.home, "vectors.bin") }

// VectorIDsPath is the id array paired with VectorPath.
func (c *Config) VectorIDsPath() string { return filepath.Join(c.home, "vectors.ids.json") }

// TagVectorPath is the dense matrix over prerequisite tag strings.
func (c *Config) TagVectorPath() string { return filepath.Join(c.home, "tag_vectors.bin") }

// TagVectorIDsPath is the tag array paired with TagVectorPath.
func (c *Config) TagVectorIDsPath() string { return filepath.Join(c.home, "tag_vectors.ids.json") }

// SocketPath is the unix stream socket the request server listens on.
func (c *Config) SocketPath() string { return filepath.Join(c.home, "engrammar.sock") }

// PIDPath is the daemon PID file.
func (c *Config) PIDPath() string { return filepath.Join(c.home, "engrammar.pid") }

// LogPath is the daemon log file.
func (c *Config) LogPath() string { return filepath.Join(c.home, "daemon.log") }

// ErrorLogPath is the hook error log file.
func (c *Config) ErrorLogPath() string { return filepath.Join(c.home, "errors.log") }

// EnsureHome creates the home directory if it does not exist.
func (c *Config) EnsureHome() error {
	if err := os.MkdirAll(c.home, 0o755); err != nil {
		return fmt.Errorf("create home directory: %w", err)
	}
	return nil
}
