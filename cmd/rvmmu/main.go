// Command rvmmu runs a flat rv64 binary against the hv/riscv/rv64 core and
// reports how the translation layer performed: instructions retired and
// the software TLB's hit/miss split.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/rvcore/internal/hv/riscv/rv64"
)

func run(args []string) error {
	fs := flag.NewFlagSet("rvmmu", flag.ExitOnError)
	binPath := fs.String("bin", "", "path to a flat rv64 binary, loaded at RAM base")
	ramSize := fs.Uint64("ram-size", 64<<20, "guest RAM size in bytes")
	maxSteps := fs.Uint64("max-steps", 10_000_000, "stop after this many retired instructions")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}
	if *binPath == "" {
		fs.Usage()
		return fmt.Errorf("missing -bin")
	}

	data, err := os.ReadFile(*binPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", *binPath, err)
	}

	m := rv64.NewMachine(*ramSize, os.Stdout, os.Stdin)
	if err := m.LoadBytes(m.MemoryBase(), data); err != nil {
		return fmt.Errorf("loading guest image: %w", err)
	}
	m.SetPC(m.MemoryBase())

	var steps uint64
	for steps < *maxSteps {
		if err := m.Step(); err != nil {
			if err == rv64.ErrHalt {
				break
			}
			return fmt.Errorf("step %d: %w", steps, err)
		}
		steps++
	}

	hits, misses := m.MMU.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = 100 * float64(hits) / float64(total)
	}
	fmt.Printf("retired %d instructions (stopped at PC 0x%x)\n", m.CPU.Instret, m.GetPC())
	fmt.Printf("tlb: %d hits, %d misses (%.1f%% hit rate)\n", hits, misses, hitRate)
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rvmmu: %v\n", err)
		os.Exit(1)
	}
}
