package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sliverarmory/bootmod"
	"github.com/sliverarmory/bootmod/loader"
)

var (
	configPath string
	verbose    bool
)

// consolePlatform stands in for firmware power control when loading from
// the command line.
type consolePlatform struct {
	log *zap.Logger
}

func (p consolePlatform) Halt() {
	p.log.Error("halt requested")
}

func (p consolePlatform) Reboot() {
	p.log.Error("reboot requested")
}

var loadCmd = &cobra.Command{
	Use:   "load <module>...",
	Short: "Load modules into a simulated load region and unload them again",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(cmd.ErrOrStderr(), verbose)
		defer func() { _ = log.Sync() }()

		session, err := bootmod.OpenFile(configPath,
			loader.WithLogger(log),
			loader.WithPlatform(consolePlatform{log: log}),
		)
		if err != nil {
			return err
		}
		loadErr := session.Load(args...)
		out := cmd.OutOrStdout()
		for _, m := range session.Modules() {
			fmt.Fprintf(out, "%-20s %-8s base %#010x size %#-8x trampolines %d refs %d\n",
				m.Name, m.State, m.Base, m.Size, m.Trampolines, m.RefCount)
		}
		return errors.Join(loadErr, session.Close())
	},
}

// newLogger writes console-encoded entries to w, at debug level when verbose
// and warnings only otherwise.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), level))
}

func init() {
	loadCmd.Flags().StringVar(&configPath, "config", "boot.yaml", "Boot configuration file")
	loadCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every load step")
}
