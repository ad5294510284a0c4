package config

import (
	"time"

	"github.com/spf13/viper"
)

// CacheConfig defines settings for the menu response cache.  When Enabled
// is false or no Redis client is available, responses are served straight
// from the database.  Admin writes to the menu evict every key under Prefix.
type CacheConfig struct {
	Enabled      bool
	TTL          time.Duration
	Prefix       string
	MaxBodyBytes int
}

func setCacheDefaults(v *viper.Viper) {
	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("CACHE_PREFIX", "cache:menu")
	v.SetDefault("CACHE_MAX_BODY_BYTES", 1<<20)
}

func loadCache(v *viper.Viper) CacheConfig {
	c := CacheConfig{
		Enabled:      v.GetBool("CACHE_ENABLED"),
		TTL:          v.GetDuration("CACHE_TTL"),
		Prefix:       v.GetString("CACHE_PREFIX"),
		MaxBodyBytes: v.GetInt("CACHE_MAX_BODY_BYTES"),
	}
	if c.TTL <= 0 {
		c.TTL = time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

func cacheKeys() []string {
	return []string{"CACHE_ENABLED", "CACHE_TTL", "CACHE_PREFIX", "CACHE_MAX_BODY_BYTES"}
}
