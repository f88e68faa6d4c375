package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/bootmod/arch"
	"github.com/sliverarmory/bootmod/module"
)

var archName string

var rootCmd = &cobra.Command{
	Use:          "bootmod",
	Short:        "Inspect, verify, sign and load relocatable boot modules",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&archName, "arch", "", "Architecture profile (default: taken from the ELF header)")
	rootCmd.AddCommand(inspectCmd, verifyCmd, depsCmd, loadCmd, signCmd, keygenCmd)
}

// readImage parses the module at path for --arch or the image's own machine.
func readImage(path string) (*module.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	var p *arch.Profile
	if archName != "" {
		p, err = arch.Lookup(archName)
	} else {
		p, err = module.Detect(data)
	}
	if err != nil {
		return nil, err
	}
	return module.Parse(data, p)
}
