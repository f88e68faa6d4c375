package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/bootmod/depend"
	"github.com/sliverarmory/bootmod/verify"
)

var (
	secure    bool
	whitelist []string
	moddep    string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <module>",
	Short: "Check a module against the relocation and symbol policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := readImage(args[0])
		if err != nil {
			return err
		}
		err = verify.Verify(image, image.Profile, verify.Policy{Secure: secure, Whitelist: whitelist})
		var report *verify.Report
		if errors.As(err, &report) {
			for _, violation := range report.Unwrap() {
				fmt.Fprintln(cmd.OutOrStdout(), violation)
			}
			return fmt.Errorf("%s: %d policy violations", args[0], len(report.Unwrap()))
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

var depsCmd = &cobra.Command{
	Use:   "deps <module>...",
	Short: "Print the load order of modules and their dependencies",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(moddep)
		if err != nil {
			return err
		}
		defer f.Close()
		db, err := depend.ParseModDep(f)
		if err != nil {
			return err
		}
		order, err := depend.Resolve(args, db)
		if err != nil {
			return err
		}
		for _, name := range order {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&secure, "secure", false, "Restrict relocations to the secure set and enforce the whitelist")
	verifyCmd.Flags().StringSliceVar(&whitelist, "whitelist", nil, "External symbols the module may reference")
	depsCmd.Flags().StringVar(&moddep, "moddep", "moddep.lst", "Dependency database")
}
