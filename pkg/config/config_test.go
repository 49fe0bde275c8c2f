package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/weberc2/mono/stage2/pkg/memory"
	"github.com/weberc2/mono/stage2/pkg/types"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Equal(t, memory.DefaultLayout(), c.Layout())
	require.Equal(
		t,
		[]string{"/boot/kernel.elf", "/kernel.elf", "/EFI/BOOT/KERNEL.EFI"},
		c.KernelPaths,
	)
	require.Equal(t, logrus.InfoLevel, c.Level())
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "stage2.yaml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0644))
	return p
}

func TestLoadOverlays(t *testing.T) {
	file := writeFile(t, strings.Join([]string{
		"kernelPaths: [/vmlinux]",
		"heapEnd: 0x1000000",
		"kernelAddr: 4194304",
		"logLevel: debug",
	}, "\n"))
	t.Setenv("STAGE2_POLL_LIMIT", "0")
	t.Setenv("STAGE2_KERNEL_ADDR", "0x300000")

	c, err := Load(file)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	require.Equal(t, []string{"/vmlinux"}, c.KernelPaths)
	require.Equal(t, Address(0x1000000), c.HeapEnd)
	require.Equal(t, Address(0x100000), c.HeapStart)
	if c.KernelAddr != 0x300000 {
		t.Fatalf("KernelAddr: wanted `0x300000`; found `%s`", c.KernelAddr)
	}
	require.Equal(t, 0, c.PollLimit)
	require.Equal(t, logrus.DebugLevel, c.Level())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeFile(t, "heapSize: 12\n"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "heapEnd: lots\n"))
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	for _, testCase := range []struct {
		name   string
		mutate func(*Config)
		wanted string
	}{
		{
			name:   "no-kernel-paths",
			mutate: func(c *Config) { c.KernelPaths = nil },
			wanted: "missing required configuration: kernelPaths / STAGE2_KERNEL_PATHS",
		},
		{
			name:   "relative-path",
			mutate: func(c *Config) { c.KernelPaths = []string{"boot/kernel.elf"} },
			wanted: "invalid configuration: kernelPaths / STAGE2_KERNEL_PATHS: `boot/kernel.elf` is not absolute",
		},
		{
			name:   "empty-heap",
			mutate: func(c *Config) { c.HeapStart = c.HeapEnd },
			wanted: "invalid configuration: heapStart / STAGE2_HEAP_START: `0x800000` is not below heapEnd `0x800000`",
		},
		{
			name:   "kernel-outside-heap",
			mutate: func(c *Config) { c.KernelAddr = 0x10000 },
			wanted: "invalid configuration: kernelAddr / STAGE2_KERNEL_ADDR: `0x10000` is outside the heap",
		},
		{
			name:   "negative-poll-limit",
			mutate: func(c *Config) { c.PollLimit = -1 },
			wanted: "invalid configuration: pollLimit / STAGE2_POLL_LIMIT: `-1` is negative",
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			c := Default()
			testCase.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			if err.Error() != testCase.wanted {
				t.Fatalf("Validate(): wanted `%s`; found `%s`", testCase.wanted, err)
			}
			require.Equal(t, types.InvalidArgumentErr, types.Kind(err))
		})
	}
}
