// Package config holds the loader's compiled-in settings and the YAML /
// environment overlay used by the hosted tools.
package config

import (
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/weberc2/mono/stage2/pkg/memory"
	"github.com/weberc2/mono/stage2/pkg/types"
)

const envVarPrefix = "STAGE2"

// Address is a physical address. It decodes from decimal or 0x-prefixed
// hex in both YAML and the environment.
type Address uint64

func (a *Address) Decode(value string) error {
	x, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return fmt.Errorf("parsing address `%s`: %w", value, err)
	}
	*a = Address(x)
	return nil
}

func (a *Address) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return a.Decode(s)
}

func (a Address) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

func (a Address) String() string { return fmt.Sprintf("%#x", uint64(a)) }

type Config struct {
	KernelPaths     []string `envconfig:"KERNEL_PATHS"     yaml:"kernelPaths"`
	HeapStart       Address  `envconfig:"HEAP_START"       yaml:"heapStart"`
	HeapEnd         Address  `envconfig:"HEAP_END"         yaml:"heapEnd"`
	KernelAddr      Address  `envconfig:"KERNEL_ADDR"      yaml:"kernelAddr"`
	BootloaderStart Address  `envconfig:"BOOTLOADER_START" yaml:"bootloaderStart"`
	BootloaderSize  Address  `envconfig:"BOOTLOADER_SIZE"  yaml:"bootloaderSize"`
	VGABuffer       Address  `envconfig:"VGA_BUFFER"       yaml:"vgaBuffer"`
	PollLimit       int      `envconfig:"POLL_LIMIT"       yaml:"pollLimit"`
	LogLevel        string   `envconfig:"LOG_LEVEL"        yaml:"logLevel"`
}

// Default returns the settings the loader is built with.
func Default() Config {
	layout := memory.DefaultLayout()
	return Config{
		KernelPaths: []string{
			"/boot/kernel.elf",
			"/kernel.elf",
			"/EFI/BOOT/KERNEL.EFI",
		},
		HeapStart:       Address(layout.HeapStart),
		HeapEnd:         Address(layout.HeapEnd),
		KernelAddr:      Address(layout.KernelAddr),
		BootloaderStart: Address(layout.BootloaderStart),
		BootloaderSize:  Address(layout.BootloaderSize),
		VGABuffer:       0xB8000,
		PollLimit:       1000000,
		LogLevel:        "info",
	}
}

// Load overlays the YAML file at `file` (if `file` is not empty) and then
// STAGE2_* environment variables onto Default().
func Load(file string) (Config, error) {
	c := Default()
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Config{}, errors.Wrap(err, "reading config file")
		}
		if err := yaml.UnmarshalStrict(data, &c); err != nil {
			return Config{}, errors.Wrap(err, "unmarshaling config file")
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return Config{}, errors.Wrap(err, "parsing environment variables")
	}
	return c, nil
}

func (c *Config) Validate() error {
	if y, e := func() (string, string) {
		if len(c.KernelPaths) < 1 {
			return "kernelPaths", "KERNEL_PATHS"
		}
		if c.HeapEnd == 0 {
			return "heapEnd", "HEAP_END"
		}
		if c.LogLevel == "" {
			return "logLevel", "LOG_LEVEL"
		}
		return "", ""
	}(); y != "" {
		return types.NewError(
			types.InvalidArgumentErr,
			fmt.Sprintf(
				"missing required configuration: %s / %s_%s",
				y,
				envVarPrefix,
				e,
			),
		)
	}

	if y, e, why := func() (string, string, string) {
		for _, p := range c.KernelPaths {
			if !path.IsAbs(p) {
				return "kernelPaths", "KERNEL_PATHS", fmt.Sprintf("`%s` is not absolute", p)
			}
		}
		if c.HeapStart >= c.HeapEnd {
			return "heapStart", "HEAP_START", fmt.Sprintf("`%s` is not below heapEnd `%s`", c.HeapStart, c.HeapEnd)
		}
		if c.KernelAddr < c.HeapStart || c.KernelAddr >= c.HeapEnd {
			return "kernelAddr", "KERNEL_ADDR", fmt.Sprintf("`%s` is outside the heap", c.KernelAddr)
		}
		if c.PollLimit < 0 {
			return "pollLimit", "POLL_LIMIT", fmt.Sprintf("`%d` is negative", c.PollLimit)
		}
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return "logLevel", "LOG_LEVEL", err.Error()
		}
		return "", "", ""
	}(); y != "" {
		return types.NewError(
			types.InvalidArgumentErr,
			fmt.Sprintf(
				"invalid configuration: %s / %s_%s: %s",
				y,
				envVarPrefix,
				e,
				why,
			),
		)
	}
	return nil
}

// Layout returns the memory manager layout described by the configuration.
func (c *Config) Layout() memory.Layout {
	return memory.Layout{
		HeapStart:       uint64(c.HeapStart),
		HeapEnd:         uint64(c.HeapEnd),
		KernelAddr:      uint64(c.KernelAddr),
		BootloaderStart: uint64(c.BootloaderStart),
		BootloaderSize:  uint64(c.BootloaderSize),
	}
}

// Level returns the configured log level, or Info if it does not parse.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
