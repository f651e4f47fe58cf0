package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ollama/cbison/logutil"
)

var (
	// Set via CBISON_DEBUG in the environment
	Debug int
	// Set via CBISON_LIBRARY in the environment
	Library string
	// Set via CBISON_PREFIX in the environment
	Prefix string
	// Set via CBISON_FACTORY_OPTIONS in the environment
	FactoryOptions string
	// Set via CBISON_TOKENIZER in the environment
	Tokenizer string
	// Set via CBISON_NUM_PARALLEL in the environment
	NumParallel int
	// Set via CBISON_MAX_FF_TOKENS in the environment
	MaxFFTokens int
)

const (
	defaultFactoryOptions = "{}"
	defaultNumParallel    = 1
	defaultMaxFFTokens    = 100
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CBISON_DEBUG":           {"CBISON_DEBUG", Debug, "Show additional debug information (1 debug, 2 trace)"},
		"CBISON_LIBRARY":         {"CBISON_LIBRARY", Library, "Path to the grammar engine shared library"},
		"CBISON_PREFIX":          {"CBISON_PREFIX", Prefix, "Symbol prefix of the engine (default: library base name)"},
		"CBISON_FACTORY_OPTIONS": {"CBISON_FACTORY_OPTIONS", FactoryOptions, "Engine options JSON passed when creating factories (default \"{}\")"},
		"CBISON_TOKENIZER":       {"CBISON_TOKENIZER", Tokenizer, "Path to a HuggingFace tokenizer.json"},
		"CBISON_NUM_PARALLEL":    {"CBISON_NUM_PARALLEL", NumParallel, "Number of conformance targets run concurrently (default 1)"},
		"CBISON_MAX_FF_TOKENS":   {"CBISON_MAX_FF_TOKENS", MaxFFTokens, "Maximum forced tokens computed per call (default 100)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel is the slog level selected by CBISON_DEBUG.
func LogLevel() slog.Level {
	return logutil.Level(Debug)
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// value reads key from the environment, then from the config file.
func value(key string) string {
	if v := clean(key); v != "" {
		return v
	}
	return strings.Trim(GetConfigValue(key), "\"' ")
}

func init() {
	LoadConfig()
}

// LoadConfig reads every setting again, including the config file.
func LoadConfig() {
	resetConfigFile()

	Debug = 0
	if debug := value("CBISON_DEBUG"); debug != "" {
		if d, err := strconv.Atoi(debug); err == nil {
			Debug = max(d, 0)
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}

	Library = value("CBISON_LIBRARY")
	Prefix = value("CBISON_PREFIX")
	Tokenizer = value("CBISON_TOKENIZER")

	FactoryOptions = defaultFactoryOptions
	if opts := value("CBISON_FACTORY_OPTIONS"); opts != "" {
		FactoryOptions = opts
	}

	NumParallel = defaultNumParallel
	if onp := value("CBISON_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "CBISON_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	MaxFFTokens = defaultMaxFFTokens
	if ff := value("CBISON_MAX_FF_TOKENS"); ff != "" {
		val, err := strconv.Atoi(ff)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "CBISON_MAX_FF_TOKENS", ff, "error", err)
		} else {
			MaxFFTokens = val
		}
	}
}
