package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	mu     sync.Mutex
	active *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config := GetDefaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/batch-embedder/")
	v.AddConfigPath("$HOME/.batch-embedder/")

	// Environment variable overrides, e.g. EMBEDDER_BATCHING_MAX_WAIT_MS
	v.SetEnvPrefix("EMBEDDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(config)

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	active = v
	mu.Unlock()

	return config, nil
}

// bindEnv registers the keys that AutomaticEnv cannot discover on its own
// when no config file mentions them.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"server.host", "server.http_port", "server.grpc_port",
		"batching.max_batch_size", "batching.max_wait_ms", "batching.queue_size",
		"model.backend", "model.model_path", "model.tokenizer_path", "model.max_length",
		"model.hidden_size", "model.intra_op_threads",
		"cache.enabled", "cache.redis_url",
		"database.url",
		"logging.level", "logging.format",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

func normalize(config *Config) {
	if config.Batching.QueueSize == 0 {
		config.Batching.QueueSize = DefaultQueueSize
	}
	if config.Model.OutputName == "" {
		config.Model.OutputName = "last_hidden_state"
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}
}

// Validate checks the loaded configuration for values the services cannot run with
func Validate(config *Config) error {
	if config.Server.HTTPPort <= 0 || config.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port: %d", config.Server.HTTPPort)
	}

	if config.Server.GRPCPort < 0 || config.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid grpc port: %d", config.Server.GRPCPort)
	}

	if config.Batching.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid max_batch_size: %d (must be positive)", config.Batching.MaxBatchSize)
	}

	if config.Batching.MaxWaitMs < 0 {
		return fmt.Errorf("invalid max_wait_ms: %d (must not be negative)", config.Batching.MaxWaitMs)
	}

	if config.Batching.QueueSize < 0 {
		return fmt.Errorf("invalid queue_size: %d", config.Batching.QueueSize)
	}

	if config.Model.Backend != "onnx" && config.Model.Backend != "mock" {
		return fmt.Errorf("invalid model backend: %s (must be onnx or mock)", config.Model.Backend)
	}

	if config.Model.MaxLength < 2 {
		return fmt.Errorf("invalid max_length: %d (must leave room for special tokens)", config.Model.MaxLength)
	}

	if config.Model.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d", config.Model.HiddenSize)
	}

	if config.Server.RateLimit.Enabled && config.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("invalid rate limit: %.2f requests per second", config.Server.RateLimit.RequestsPerSecond)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file loaded by the last Load call.
// The callback receives every valid new configuration; invalid edits go to onError.
func Watch(callback func(*Config), onError func(error)) error {
	mu.Lock()
	v := active
	mu.Unlock()

	if v == nil {
		return errors.New("configuration has not been loaded")
	}
	if v.ConfigFileUsed() == "" {
		return errors.New("no configuration file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to unmarshal config: %w", err))
			}
			return
		}
		normalize(newConfig)

		if err := Validate(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("invalid configuration: %w", err))
			}
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
