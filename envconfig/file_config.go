package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Engine struct {
		Library        string `toml:"library"`
		Prefix         string `toml:"prefix"`
		FactoryOptions string `toml:"factory_options"`
	} `toml:"engine"`

	Tokenizer struct {
		Path string `toml:"path"`
	} `toml:"tokenizer"`

	Conformance struct {
		NumParallel int `toml:"num_parallel"`
		MaxFFTokens int `toml:"max_ff_tokens"`
	} `toml:"conformance"`

	Logging struct {
		Debug int `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

func resetConfigFile() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
}

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	var paths []string

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "cbison", "config.toml"))
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			paths = append(paths, filepath.Join(userProfile, ".cbison", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "cbison", "config.toml"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths,
				filepath.Join(home, ".config", "cbison", "config.toml"),
				filepath.Join(home, ".cbison", "config.toml"),
			)
		}
		paths = append(paths, "/etc/cbison/config.toml")
	}

	return paths
}

// ConfigPath returns the config file in use, or "" if none was found.
func ConfigPath() string {
	GetConfigValue("")
	return configPath
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// GetConfigValue returns the config file value for an environment variable key
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	switch key {
	case "CBISON_LIBRARY":
		return config.Engine.Library
	case "CBISON_PREFIX":
		return config.Engine.Prefix
	case "CBISON_FACTORY_OPTIONS":
		return config.Engine.FactoryOptions
	case "CBISON_TOKENIZER":
		return config.Tokenizer.Path
	case "CBISON_NUM_PARALLEL":
		if config.Conformance.NumParallel > 0 {
			return strconv.Itoa(config.Conformance.NumParallel)
		}
	case "CBISON_MAX_FF_TOKENS":
		if config.Conformance.MaxFFTokens > 0 {
			return strconv.Itoa(config.Conformance.MaxFFTokens)
		}
	case "CBISON_DEBUG":
		if config.Logging.Debug > 0 {
			return strconv.Itoa(config.Logging.Debug)
		}
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# cbison configuration file
# Environment variables take precedence over values set here.

[engine]
# Grammar engine shared library
library = "/usr/local/lib/libllguidance.so"
# Symbol prefix (default: library base name without extension)
prefix = "llg"
# Options JSON passed to the engine when creating factories (default: "{}")
factory_options = "{}"

[tokenizer]
# HuggingFace tokenizer.json used by the conformance harness
path = "/path/to/tokenizer.json"

[conformance]
# Targets checked concurrently (default: 1)
num_parallel = 1
# Forced tokens computed per call (default: 100)
max_ff_tokens = 100

[logging]
# 1 enables debug logging, 2 adds per-call tracing (default: 0)
debug = 0
`
}
