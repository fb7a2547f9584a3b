package vm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Size is a byte count that unmarshals from human-readable YAML values
// ("256MiB", "4g") as well as plain integers.
type Size uint64

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return fmt.Errorf("parse size %q: %w", raw, err)
	}
	if n < 0 {
		return fmt.Errorf("parse size %q: negative", raw)
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string { return units.BytesSize(float64(s)) }

// Duration unmarshals from YAML in time.ParseDuration notation ("500ms").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Config describes one virtual machine. Zero fields take defaults from
// DefaultConfig; Validate rejects combinations the managers cannot honor.
type Config struct {
	// Name labels the machine in logs. Instance identity is a generated
	// UUID, independent of the name.
	Name string `yaml:"name"`

	VCPUs    int  `yaml:"vcpus"`
	MaxVCPUs int  `yaml:"max_vcpus"`
	Memory   Size `yaml:"memory"`

	// MemoryCeiling bounds total guest memory including hotplug. Zero
	// means no headroom beyond the boot size.
	MemoryCeiling Size `yaml:"memory_ceiling"`
	MaxRegions    int  `yaml:"max_regions"`

	PauseTimeout   Duration `yaml:"pause_timeout"`
	QuiesceTimeout Duration `yaml:"quiesce_timeout"`

	// FirstGSI and GSILines shape the interrupt line pool handed to
	// devices. The defaults leave the legacy range to the platform.
	FirstGSI int `yaml:"first_gsi"`
	GSILines int `yaml:"gsi_lines"`
}

// DefaultConfig returns the baseline a Config is merged over.
func DefaultConfig() Config {
	return Config{
		VCPUs:          1,
		MaxVCPUs:       8,
		Memory:         Size(256 * 1024 * 1024),
		MaxRegions:     32,
		PauseTimeout:   Duration(2 * time.Second),
		QuiesceTimeout: Duration(2 * time.Second),
		FirstGSI:       32,
		GSILines:       64,
	}
}

// ParseConfig decodes a YAML document over DefaultConfig and validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.VCPUs < 1 {
		return fmt.Errorf("config: vcpus %d, need at least 1", c.VCPUs)
	}
	if c.MaxVCPUs < c.VCPUs {
		return fmt.Errorf("config: max_vcpus %d below vcpus %d", c.MaxVCPUs, c.VCPUs)
	}
	if c.Memory == 0 {
		return fmt.Errorf("config: memory size required")
	}
	if c.MemoryCeiling != 0 && c.MemoryCeiling < c.Memory {
		return fmt.Errorf("config: memory_ceiling %s below memory %s", c.MemoryCeiling, c.Memory)
	}
	if c.MaxRegions < 1 {
		return fmt.Errorf("config: max_regions %d, need at least 1", c.MaxRegions)
	}
	if c.PauseTimeout <= 0 || c.QuiesceTimeout <= 0 {
		return fmt.Errorf("config: pause and quiesce timeouts must be positive")
	}
	if c.GSILines < 1 {
		return fmt.Errorf("config: gsi_lines %d, need at least 1", c.GSILines)
	}
	return nil
}

func (c *Config) ceiling() uint64 {
	if c.MemoryCeiling != 0 {
		return uint64(c.MemoryCeiling)
	}
	return uint64(c.Memory)
}
