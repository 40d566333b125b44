// Package config loads the process-wide configuration of spec.md §6.
// Following the "dynamic configuration object" redesign note in spec.md
// §9, this is an explicit immutable record rather than a free-form map;
// unknown keys passed to Load are rejected.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/bnelair/brainmaze-mef3-server/internal/corelog"
)

// recognizedKeys is the full set of options spec.md §6 names. Load
// rejects anything outside this set found in the environment-style
// overrides map, so a typo'd option fails fast at startup instead of
// being silently ignored.
var recognizedKeys = map[string]bool{
	"port":                      true,
	"n_prefetch":                true,
	"cache_capacity_multiplier": true,
	"max_workers":               true,
	"log_level":                 true,
}

// Config is the process-wide configuration record of spec.md §6.
type Config struct {
	// Port is the RPC listen port. A transport concern; carried here
	// only for completeness, per spec.md §6.
	Port int

	// NPrefetch is N_prefetch, spec.md §4.4: number of chunks prefetched
	// after each access. 0 disables prefetch (spec.md §8).
	NPrefetch int

	// CacheCapacityMultiplier yields cache capacity = NPrefetch *
	// CacheCapacityMultiplier, floored at 1 (spec.md §4.3).
	CacheCapacityMultiplier int

	// MaxWorkers is the size of the prefetch worker pool (spec.md §4.4).
	MaxWorkers int

	// LogLevel is one of {debug, info, warning, error, critical}.
	LogLevel corelog.Level
}

// CacheCapacity computes the cache's count-bounded capacity per spec.md
// §4.3: N_prefetch * cache_capacity_multiplier, with a floor of 1.
func (c Config) CacheCapacity() int {
	cap := c.NPrefetch * c.CacheCapacityMultiplier
	if cap < 1 {
		return 1
	}
	return cap
}

// Default returns the hard-coded defaults used when no override is
// supplied, mirroring the teacher's pattern of always having a
// documented fallback (ste.getTransferInitiationPoolSize and friends).
func Default() Config {
	return Config{
		Port:                    8800,
		NPrefetch:               3,
		CacheCapacityMultiplier: 3,
		MaxWorkers:              4,
		LogLevel:                corelog.ELevel.Info(),
	}
}

// Load builds a Config by layering string overrides (as would come from
// environment variables or CLI flags) on top of Default. An override
// key not in recognizedKeys is an error: unknown options are rejected at
// startup rather than silently ignored (spec.md §6).
func Load(overrides map[string]string) (Config, error) {
	cfg := Default()

	for key := range overrides {
		if !recognizedKeys[key] {
			return Config{}, fmt.Errorf("config: unrecognized option %q", key)
		}
	}

	if v, ok := overrides["port"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: port: %w", err)
		}
		cfg.Port = n
	}
	if v, ok := overrides["n_prefetch"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: n_prefetch: %w", err)
		}
		if n < 0 {
			return Config{}, fmt.Errorf("config: n_prefetch must be >= 0, got %d", n)
		}
		cfg.NPrefetch = n
	}
	if v, ok := overrides["cache_capacity_multiplier"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: cache_capacity_multiplier: %w", err)
		}
		if n < 1 {
			return Config{}, fmt.Errorf("config: cache_capacity_multiplier must be >= 1, got %d", n)
		}
		cfg.CacheCapacityMultiplier = n
	}
	if v, ok := overrides["max_workers"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: max_workers: %w", err)
		}
		if n < 1 {
			return Config{}, fmt.Errorf("config: max_workers must be >= 1, got %d", n)
		}
		cfg.MaxWorkers = n
	}
	if v, ok := overrides["log_level"]; ok {
		lvl, err := corelog.ParseLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}

	return cfg, nil
}

// LoadFromEnv reads the recognized options from environment variables
// named MEF3SERVER_<UPPER_KEY>, e.g. MEF3SERVER_N_PREFETCH.
func LoadFromEnv() (Config, error) {
	overrides := map[string]string{}
	for key := range recognizedKeys {
		envName := "MEF3SERVER_" + envUpper(key)
		if v, ok := os.LookupEnv(envName); ok {
			overrides[key] = v
		}
	}
	return Load(overrides)
}

func envUpper(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
