package main

import (
	"debug/elf"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/bootmod/verify"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <module>",
	Short: "Print the sections, symbols and relocations of a module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := readImage(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		p := image.Profile

		fmt.Fprintf(out, "module %q (%s), load size %#x, align %d\n", image.Name, p, image.LoadSize, image.LoadAlign)
		if len(image.Deps) > 0 {
			fmt.Fprintf(out, "depends on: %v\n", image.Deps)
		}

		fmt.Fprintln(out, "\nsections:")
		for _, s := range image.Sections {
			if s.Index == 0 {
				continue
			}
			load := "-"
			if s.Alloc() {
				load = fmt.Sprintf("%#x", s.LoadOffset)
			}
			fmt.Fprintf(out, "  [%2d] %-20s %-14s size %#-8x load %s\n", s.Index, s.Name, s.Type, s.Size, load)
		}

		fmt.Fprintln(out, "\nsymbols:")
		for _, sym := range image.Symbols {
			if sym.Index == 0 || sym.Name == "" {
				continue
			}
			where := "UND"
			switch {
			case sym.Section == elf.SHN_ABS:
				where = "ABS"
			case sym.Defined():
				where = image.Sections[sym.Section].Name
			}
			fmt.Fprintf(out, "  %-32s %-10s %-12s %s+%#x\n", sym.Name, sym.Bind, sym.Type, where, sym.Value)
		}

		fmt.Fprintln(out, "\nrelocations:")
		for i := range image.Relocations {
			r := &image.Relocations[i]
			short := ""
			if !p.Short.Has(r.Kind) {
				short = " (not in secure set)"
			}
			fmt.Fprintf(out, "  %-12s %#-8x %-26s %s%+d%s\n", image.Sections[r.Section].Name, r.Offset, p.KindName(r.Kind), image.SymbolName(r), r.Addend, short)
		}

		if err := verify.Verify(image, p, verify.Policy{}); err != nil {
			fmt.Fprintf(out, "\n%v\n", err)
		}
		return nil
	},
}
