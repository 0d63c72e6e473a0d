package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tagvm/pkg/asm"
	"tagvm/pkg/cpu"
	"tagvm/pkg/inst"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "tagvm",
		Short:         "tagvm — a garbage-collected virtual machine and its assembler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	asmCmd := &cobra.Command{
		Use:   "asm <source> [output]",
		Short: "Assemble a source file into an executable binary",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := defaultOutput(args[0])
			if len(args) == 2 {
				output = args[1]
			}
			return assembleFile(args[0], output)
		},
	}

	viewCmd := &cobra.Command{
		Use:   "view <file>",
		Short: "Disassemble an executable and print its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return inst.Dump(f, os.Stdout)
		},
	}

	var verbose bool
	var seed int64
	var memoryLimit uint64

	runOptions := func() cpu.Options {
		opts := cpu.Options{Seed: seed, MemoryLimit: memoryLimit}
		if verbose {
			opts.Trace = os.Stderr
		}
		return opts
	}

	runCmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Load and execute a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return cpu.Run(program, runOptions())
		},
	}

	runasmCmd := &cobra.Command{
		Use:   "runasm <file>",
		Short: "Assemble a source file in memory and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			program, err := asm.AssembleBytes(source)
			if err != nil {
				return err
			}
			return cpu.Run(program, runOptions())
		},
	}

	for _, c := range []*cobra.Command{runCmd, runasmCmd} {
		c.Flags().BoolVarP(&verbose, "verbose", "v", false, "Trace every executed instruction to stderr")
		c.Flags().Int64Var(&seed, "seed", 0, "PRNG seed for the random native (0 = time-based)")
		c.Flags().Uint64Var(&memoryLimit, "memory-limit", 0, "Heap growth cap in bytes (0 = default)")
	}

	rootCmd.AddCommand(asmCmd, viewCmd, runCmd, runasmCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// defaultOutput swaps the source file's extension for .bin.
func defaultOutput(source string) string {
	if i := strings.LastIndexByte(source, '.'); i > strings.LastIndexByte(source, '/') {
		return source[:i] + ".bin"
	}
	return source + ".bin"
}

func assembleFile(sourcePath, outputPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer source.Close()

	output, err := os.Create(outputPath)
	if err != nil {
		return err
	}

	if err := asm.Assemble(source, output); err != nil {
		output.Close()
		return err
	}
	return output.Close()
}
