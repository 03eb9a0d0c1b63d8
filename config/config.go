// Package config builds validated queue configuration from named sources.
// The core mesh components never read the process environment directly;
// everything they consume is loaded and validated here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/floodsim/floodnet/mesh"
)

// Environment keys consulted by Load.
const (
	KeyInCapacity     = "QUEUE_IN_CAPACITY"
	KeyOutCapacity    = "QUEUE_OUT_CAPACITY"
	KeyOverflowPolicy = "QUEUE_OVERFLOW_POLICY"
	KeyBlockTimeoutMS = "QUEUE_BLOCK_TIMEOUT_MS"
)

// Defaults applied when a key is missing.
const (
	DefaultCapacity       = 1024
	DefaultPolicy         = mesh.PolicyDropNewest
	DefaultBlockTimeoutMS = 1000
)

// A Lookup reads one named configuration value, reporting whether it is
// present. os.LookupEnv satisfies it.
type Lookup func(key string) (string, bool)

// A Config is the validated, immutable queue configuration of one port.
type Config struct {
	Inbound  mesh.QueueConfig
	Outbound mesh.QueueConfig
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// FromEnvFile loads the configuration from a dotenv file, falling back to
// the process environment for keys the file does not set.
func FromEnvFile(path string) (Config, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	return Load(func(key string) (string, bool) {
		if v, ok := values[key]; ok {
			return v, true
		}

		return os.LookupEnv(key)
	})
}

// Load builds the configuration from the given source. Missing keys fall
// back to the documented defaults; present but invalid values fail fast and
// never silently default.
func Load(lookup Lookup) (Config, error) {
	inCapacity, err := capacityValue(lookup, KeyInCapacity)
	if err != nil {
		return Config{}, err
	}

	outCapacity, err := capacityValue(lookup, KeyOutCapacity)
	if err != nil {
		return Config{}, err
	}

	policy, err := policyValue(lookup)
	if err != nil {
		return Config{}, err
	}

	// The blocking timeout only has meaning under BLOCK; under the drop
	// policies it is defaulted and ignored, even if set to garbage.
	timeout := time.Duration(DefaultBlockTimeoutMS) * time.Millisecond
	if policy == mesh.PolicyBlock {
		timeout, err = timeoutValue(lookup)
		if err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		Inbound: mesh.QueueConfig{
			Capacity:     inCapacity,
			Policy:       policy,
			OfferTimeout: timeout,
		},
		Outbound: mesh.QueueConfig{
			Capacity:     outCapacity,
			Policy:       policy,
			OfferTimeout: timeout,
		},
	}

	if err := cfg.Inbound.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Outbound.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

func capacityValue(lookup Lookup, key string) (int, error) {
	raw, ok := lookup(key)
	if !ok {
		return DefaultCapacity, nil
	}

	capacity, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, raw)
	}

	if capacity <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %d",
			key, capacity)
	}

	return capacity, nil
}

func policyValue(lookup Lookup) (mesh.OverflowPolicy, error) {
	raw, ok := lookup(KeyOverflowPolicy)
	if !ok {
		return DefaultPolicy, nil
	}

	policy, err := mesh.ParseOverflowPolicy(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", KeyOverflowPolicy, err)
	}

	return policy, nil
}

func timeoutValue(lookup Lookup) (time.Duration, error) {
	raw, ok := lookup(KeyBlockTimeoutMS)
	if !ok {
		return time.Duration(DefaultBlockTimeoutMS) * time.Millisecond, nil
	}

	millis, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer",
			KeyBlockTimeoutMS, raw)
	}

	if millis < 0 {
		return 0, fmt.Errorf("config: %s must be non-negative, got %d",
			KeyBlockTimeoutMS, millis)
	}

	return time.Duration(millis) * time.Millisecond, nil
}
