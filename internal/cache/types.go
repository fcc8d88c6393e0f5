package cache

import "time"

// CachedEmbedding is the stored form of one embedding
type CachedEmbedding struct {
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
	CachedAt  time.Time `json:"cached_at"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Errors      int64   `json:"errors"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	RedisURL     string        `yaml:"redis_url" mapstructure:"redis_url"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL   time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	// Model namespaces keys so vectors from different models never mix
	Model string `yaml:"model" mapstructure:"model"`
}
