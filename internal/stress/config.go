package stress

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"github.com/vkngwrapper/arsenal/nodebox/memutils/metadata"
)

const (
	AllocatorTyped = "typed"
	AllocatorSlab  = "slab"
)

// Config describes one stress run
type Config struct {
	// Allocator is either AllocatorTyped or AllocatorSlab
	Allocator string `mapstructure:"allocator"`
	// Payloads is the number of independently shared values
	Payloads int `mapstructure:"payloads"`
	// Workers is the number of goroutines cloning and dropping
	Workers int `mapstructure:"workers"`
	// Rounds is the number of clone/drop rounds each worker performs
	Rounds int `mapstructure:"rounds"`
	// BlockSize is passed to the slab allocator
	BlockSize int `mapstructure:"block_size"`
	// Strategy is the slab allocator's free region search: balanced, min-memory or min-time
	Strategy string `mapstructure:"strategy"`
	// DetailedMap includes every node or region in the allocator stats
	DetailedMap bool `mapstructure:"detailed_map"`
}

// SetDefaults registers the default value of every Config key with v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("allocator", AllocatorTyped)
	v.SetDefault("payloads", 8)
	v.SetDefault("workers", 8)
	v.SetDefault("rounds", 10000)
	v.SetDefault("block_size", 64*1024)
	v.SetDefault("strategy", "balanced")
	v.SetDefault("detailed_map", false)
}

// LoadConfig reads a Config out of v after applying the defaults
func LoadConfig(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	var config Config
	err := v.Unmarshal(&config)
	if err != nil {
		return config, errors.Wrap(err, "decoding stress config")
	}

	return config, config.Validate()
}

func (c Config) Validate() error {
	if c.Allocator != AllocatorTyped && c.Allocator != AllocatorSlab {
		return errors.Newf("unknown allocator %q, expected %q or %q", c.Allocator, AllocatorTyped, AllocatorSlab)
	}
	if c.Payloads < 1 || c.Payloads > maxPayloads {
		return errors.Newf("payloads must be between 1 and %d, but was %d", maxPayloads, c.Payloads)
	}
	if c.Workers < 1 {
		return errors.Newf("workers must be at least 1, but was %d", c.Workers)
	}
	if c.Rounds < 0 {
		return errors.Newf("rounds must be 0 or positive, but was %d", c.Rounds)
	}

	_, err := c.allocationStrategy()
	return err
}

func (c Config) allocationStrategy() (metadata.AllocationStrategy, error) {
	switch strings.ToLower(c.Strategy) {
	case "", "balanced":
		return 0, nil
	case "min-memory":
		return metadata.AllocationStrategyMinMemory, nil
	case "min-time":
		return metadata.AllocationStrategyMinTime, nil
	default:
		return 0, errors.Newf("unknown strategy %q", c.Strategy)
	}
}
