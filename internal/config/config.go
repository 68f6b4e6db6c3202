package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration settings
type Config struct {
	// Workspace context defaults; tool arguments override these per session.
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Graph store connection
	Graph GraphConfig `yaml:"graph"`

	// Vector store and embedding backend
	Vector VectorConfig `yaml:"vector"`

	// Watcher behavior
	Watcher WatcherConfig `yaml:"watcher"`

	// Sync and rebuild behavior
	Sync SyncConfig `yaml:"sync"`

	// Logging
	Log LogConfig `yaml:"log"`
}

type WorkspaceConfig struct {
	Root                     string `yaml:"root"`
	SourceDir                string `yaml:"source_dir"` // relative or absolute; default "src"
	ProjectID                string `yaml:"project_id"` // default basename(root)
	AllowRuntimePathFallback bool   `yaml:"allow_runtime_path_fallback"`
	RuntimeMountRoot         string `yaml:"runtime_mount_root"` // e.g. /workspace inside a container
}

type GraphConfig struct {
	URI      string        `yaml:"uri"` // bolt://host:port
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

type VectorConfig struct {
	Path           string `yaml:"path"`            // sqlite-vec db path; default under .codegraph/cache
	EmbeddingModel string `yaml:"embedding_model"` // openai embedding model name
	OpenAIKey      string `yaml:"openai_key"`
	SummarizerURL  string `yaml:"summarizer_url"` // optional; absent => empty summaries
	Dimensions     int    `yaml:"dimensions"`
}

type WatcherConfig struct {
	DebounceMs int      `yaml:"debounce_ms"`
	Ignore     []string `yaml:"ignore"`
}

type SyncConfig struct {
	RebuildThresholdMs  int `yaml:"rebuild_threshold_ms"`  // when to return QUEUED
	StateHistoryMaxSize int `yaml:"state_history_max_size"` // bounded ring of state snapshots
}

type LogConfig struct {
	Verbose bool   `yaml:"verbose"`
	Dir     string `yaml:"dir"` // default <root>/.codegraph/logs
}

// AppDir is the per-workspace state directory name.
const AppDir = ".codegraph"

// Default returns default configuration
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			SourceDir:        "src",
			RuntimeMountRoot: "/workspace",
		},
		Graph: GraphConfig{
			URI:      "bolt://localhost:7687",
			User:     "neo4j",
			Database: "neo4j",
			Timeout:  30 * time.Second,
		},
		Vector: VectorConfig{
			EmbeddingModel: "text-embedding-3-small",
			Dimensions:     1536,
		},
		Watcher: WatcherConfig{
			DebounceMs: 500,
			Ignore: []string{
				"node_modules", ".git", "dist", "build", "target",
				"__pycache__", ".venv", "vendor", AppDir,
			},
		},
		Sync: SyncConfig{
			RebuildThresholdMs:  10_000,
			StateHistoryMaxSize: 50,
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("workspace", cfg.Workspace)
	v.SetDefault("graph", cfg.Graph)
	v.SetDefault("vector", cfg.Vector)
	v.SetDefault("watcher", cfg.Watcher)
	v.SetDefault("sync", cfg.Sync)
	v.SetDefault("log", cfg.Log)

	v.SetEnvPrefix("CODEGRAPH")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(AppDir)
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, AppDir))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence
func loadEnvFiles() {
	envFiles := []string{
		".env.local",
		".env",
	}

	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}

	homeDir, _ := os.UserHomeDir()
	homeEnvFile := filepath.Join(homeDir, AppDir, ".env")
	if _, err := os.Stat(homeEnvFile); err == nil {
		godotenv.Load(homeEnvFile)
	}
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) {
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		cfg.Graph.URI = uri
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		cfg.Graph.User = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		cfg.Graph.Password = pass
	}
	if db := os.Getenv("NEO4J_DATABASE"); db != "" {
		cfg.Graph.Database = db
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Vector.OpenAIKey = key
	}
	if model := os.Getenv("OPENAI_EMBEDDING_MODEL"); model != "" {
		cfg.Vector.EmbeddingModel = model
	}
	if url := os.Getenv("CODEGRAPH_SUMMARIZER_URL"); url != "" {
		cfg.Vector.SummarizerURL = url
	}

	if root := os.Getenv("CODEGRAPH_WORKSPACE_ROOT"); root != "" {
		cfg.Workspace.Root = expandPath(root)
	}
	if dir := os.Getenv("CODEGRAPH_SOURCE_DIR"); dir != "" {
		cfg.Workspace.SourceDir = dir
	}
	if id := os.Getenv("CODEGRAPH_PROJECT_ID"); id != "" {
		cfg.Workspace.ProjectID = id
	}
	if fallback := os.Getenv("CODEGRAPH_ALLOW_RUNTIME_PATH_FALLBACK"); fallback != "" {
		cfg.Workspace.AllowRuntimePathFallback = fallback == "true"
	}

	if ms := os.Getenv("CODEGRAPH_SYNC_REBUILD_THRESHOLD_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil {
			cfg.Sync.RebuildThresholdMs = n
		}
	}
	if size := os.Getenv("CODEGRAPH_STATE_HISTORY_MAX_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			cfg.Sync.StateHistoryMaxSize = n
		}
	}
	if ms := os.Getenv("CODEGRAPH_WATCH_DEBOUNCE_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil {
			cfg.Watcher.DebounceMs = n
		}
	}
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// CacheDir returns the per-workspace cache directory.
func (c *Config) CacheDir(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, AppDir, "cache")
}

// LogDir returns the per-workspace log directory.
func (c *Config) LogDir(workspaceRoot string) string {
	if c.Log.Dir != "" {
		return c.Log.Dir
	}
	return filepath.Join(workspaceRoot, AppDir, "logs")
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	v.Set("workspace", c.Workspace)
	v.Set("graph", c.Graph)
	v.Set("vector", c.Vector)
	v.Set("watcher", c.Watcher)
	v.Set("sync", c.Sync)
	v.Set("log", c.Log)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
