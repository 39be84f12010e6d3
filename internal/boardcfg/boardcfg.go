// Package boardcfg describes a board's memory layout: the symbol
// ranges a linker script would otherwise provide (`_text_start/_end`-
// style pairs) plus the PLIC and virtio MMIO bases every per-board
// driver needs. Since nothing here links against a real linker script,
// a Board is loaded from a YAML fixture instead, one descriptor per
// board.
package boardcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/copland-os/copland/internal/arch"
)

// Range is one linker-provided symbol pair, e.g. _text_start/_end.
type Range struct {
	Start uintptr `yaml:"start"`
	End   uintptr `yaml:"end"`
}

// Board is one board's full memory-map descriptor: the symbol ranges
// plus the PLIC and virtio MMIO bases a board's drivers attach to.
type Board struct {
	Name string  `yaml:"name"`
	ISA  arch.ISA `yaml:"-"`

	Text   Range `yaml:"text"`
	Rodata Range `yaml:"rodata"`
	Data   Range `yaml:"data"`
	BSS    Range `yaml:"bss"`
	Stack  Range `yaml:"stack"`
	Heap   Range `yaml:"heap"`

	PLIC   Range `yaml:"plic"`
	CLINT  Range `yaml:"clint"`
	UART0  Range `yaml:"uart0"`
	Virtio Range `yaml:"virtio"`

	ISAName string `yaml:"isa"`
}

// Load parses a board descriptor from a YAML file, the same shape
// boards/virt.yaml and boards/raspi3b.yaml follow.
func Load(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("boardcfg: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a board descriptor from raw YAML bytes. The YAML
// carries the ISA as a plain string (isa: riscv64); Parse resolves it
// into Board's typed ISA field so every other package consumes an
// arch.ISA, not a string.
func Parse(data []byte) (*Board, error) {
	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("boardcfg: parse: %w", err)
	}

	switch b.ISAName {
	case "riscv64":
		b.ISA = arch.RISCV64
	case "aarch64":
		b.ISA = arch.AArch64
	case "amd64":
		b.ISA = arch.AMD64
	default:
		return nil, fmt.Errorf("boardcfg: unknown isa %q", b.ISAName)
	}
	return &b, nil
}
