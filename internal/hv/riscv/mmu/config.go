package mmu

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrRAMAllocation is returned (wrapped) by MachineConfig.NewRAM when the
// configured RAM region cannot be allocated.
var ErrRAMAllocation = errors.New("mmu: failed to allocate configured RAM")

// DeviceConfig describes one MMIO device's address window and operation
// size bounds, as read from a machine configuration file. It does not
// describe device behavior; a concrete Read/Write implementation is
// supplied separately by whatever owns the device.
type DeviceConfig struct {
	Name      string `yaml:"name"`
	Base      uint64 `yaml:"base"`
	Size      uint64 `yaml:"size"`
	MinOpSize int    `yaml:"min_op_size"`
	MaxOpSize int    `yaml:"max_op_size"`
}

// MachineConfig describes the physical memory layout of a machine: RAM's
// base and size, plus the MMIO device windows to validate against it.
type MachineConfig struct {
	RAMBase uint64         `yaml:"ram_base"`
	RAMSize uint64         `yaml:"ram_size"`
	Devices []DeviceConfig `yaml:"devices"`
}

// LoadMachineConfig reads and validates a MachineConfig from a YAML file.
// Misaligned regions and overlaps with RAM are configuration errors,
// reported synchronously here and never as a guest trap.
func LoadMachineConfig(path string) (*MachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mmu: reading machine config: %w", err)
	}
	var cfg MachineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("mmu: parsing machine config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that RAM bounds are page-aligned and that no configured
// device overlaps the RAM window.
func (c *MachineConfig) Validate() error {
	if c.RAMBase&PageMask != 0 || c.RAMSize&PageMask != 0 {
		return ErrMisalignedRAM
	}
	ramEnd := c.RAMBase + c.RAMSize
	for _, d := range c.Devices {
		if d.Base&PageMask != 0 || d.Size&PageMask != 0 {
			return fmt.Errorf("mmu: device %q has misaligned region: %w", d.Name, ErrMisalignedRAM)
		}
		devEnd := d.Base + d.Size
		if d.Base < ramEnd && c.RAMBase < devEnd {
			return fmt.Errorf("mmu: device %q at 0x%x overlaps RAM window", d.Name, d.Base)
		}
		if d.MinOpSize <= 0 || d.MaxOpSize < d.MinOpSize {
			return fmt.Errorf("mmu: device %q has invalid op size bounds [%d,%d]", d.Name, d.MinOpSize, d.MaxOpSize)
		}
	}
	return nil
}

// NewRAM allocates the RAM window described by c.
func (c *MachineConfig) NewRAM() (*RAM, error) {
	ram, err := NewRAM(c.RAMBase, c.RAMSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRAMAllocation, err)
	}
	return ram, nil
}
