package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults are the per-session resource ceilings and protocol timeouts
// applied when an execution request does not override them.
type Defaults struct {
	MemoryLimit         string   `yaml:"memory_limit"` // docker size string, e.g. "2g"
	CPULimit            float64  `yaml:"cpu_limit"`
	PidsLimit           int      `yaml:"pids_limit"`
	MessageTimeoutSec   int      `yaml:"message_timeout_seconds"` // per iopub message, not per execution
	ReadyTimeoutSec     int      `yaml:"ready_timeout_seconds"`
	StartupRetries      int      `yaml:"startup_retries"`
	StartupRetryDelayMs int      `yaml:"startup_retry_delay_ms"`
	DNS                 []string `yaml:"dns"`
}

type Config struct {
	Listen        string `yaml:"listen"`
	APIKey        string `yaml:"api_key"`
	KernelImage   string `yaml:"kernel_image"`
	ImageBuildDir string `yaml:"image_build_dir"` // docker build context when the image is missing
	ConnectionDir string `yaml:"connection_dir"`  // empty = fresh temp dir
	DBPath        string `yaml:"db_path"`
	FileStorePath string `yaml:"file_store_path"`

	SessionIdleTTLSeconds int `yaml:"session_idle_ttl_seconds"`
	MaxCodeBytes          int `yaml:"max_code_bytes"`

	// Validation rules disabled for every request (operator escape hatch).
	DisabledRules []string `yaml:"disabled_rules"`

	// Host directories bind-mounted read-only into every session.
	MountDirs []string `yaml:"mount_dirs"`

	Defaults Defaults `yaml:"defaults"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:                "127.0.0.1:8080",
		KernelImage:           "codecell-kernel:latest",
		DBPath:                "./codecell.db",
		FileStorePath:         "./storage",
		SessionIdleTTLSeconds: 3600,
		MaxCodeBytes:          10000,
		Defaults: Defaults{
			MemoryLimit:         "2g",
			CPULimit:            2.0,
			PidsLimit:           100,
			MessageTimeoutSec:   60,
			ReadyTimeoutSec:     30,
			StartupRetries:      3,
			StartupRetryDelayMs: 1000,
			DNS:                 []string{"8.8.8.8", "8.8.4.4"},
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODECELL_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CODECELL_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("CODECELL_KERNEL_IMAGE"); v != "" {
		cfg.KernelImage = v
	}
	if v := os.Getenv("CODECELL_IMAGE_BUILD_DIR"); v != "" {
		cfg.ImageBuildDir = v
	}
	if v := os.Getenv("CODECELL_CONNECTION_DIR"); v != "" {
		cfg.ConnectionDir = v
	}
	if v := os.Getenv("CODECELL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CODECELL_FILE_STORE_PATH"); v != "" {
		cfg.FileStorePath = v
	}
	if v := os.Getenv("CODECELL_SESSION_IDLE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionIdleTTLSeconds = n
		}
	}
	if v := os.Getenv("CODECELL_MAX_CODE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxCodeBytes = n
		}
	}
	if v := os.Getenv("CODECELL_DISABLED_RULES"); v != "" {
		cfg.DisabledRules = strings.Split(v, ",")
	}
	if v := os.Getenv("CODECELL_MOUNT_DIRS"); v != "" {
		cfg.MountDirs = strings.Split(v, ",")
	}
	if v := os.Getenv("CODECELL_MEMORY_LIMIT"); v != "" {
		cfg.Defaults.MemoryLimit = v
	}
	if v := os.Getenv("CODECELL_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Defaults.CPULimit = f
		}
	}
	if v := os.Getenv("CODECELL_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.PidsLimit = n
		}
	}
	if v := os.Getenv("CODECELL_MESSAGE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.MessageTimeoutSec = n
		}
	}
	if v := os.Getenv("CODECELL_READY_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.ReadyTimeoutSec = n
		}
	}
	if v := os.Getenv("CODECELL_DNS"); v != "" {
		cfg.Defaults.DNS = strings.Split(v, ",")
	}
}
