/*
 *
 * tabfleet - a multi-tenant browser automation broker
 * Copyright (C) 2025 Tabfleet Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package cmd holds the tabfleet command-line interface.
package cmd

import (
	"fmt"
	"os"
	"regexp"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/tabfleet/tabfleet/config"
	"github.com/tabfleet/tabfleet/log"
)

// Version is the tabfleet release, overridable at link time.
var Version = "0.1.0"

// globalState carries what every subcommand needs, built once in the
// root command's PersistentPreRunE.
type globalState struct {
	cfg    *config.Config
	logger *log.Logger
}

type rootFlags struct {
	verbose        bool
	noColor        bool
	categoryFilter string

	debugPort      int
	lightPort      int
	socketPath     string
	hybrid         bool
	pagePool       bool
	browserPool    bool
	defaultContext bool
	stateDir       string
}

// Execute runs the CLI and exits nonzero on error.
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	gs := &globalState{}
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "tabfleet",
		Short:         "Multi-tenant browser automation broker",
		Long:          "tabfleet brokers browser automation sessions across tenants,\nmultiplexing one or more browsers behind a unix-socket API.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			cfg.Apply(overridesFromFlags(cmd, flags))

			var filter *regexp.Regexp
			if flags.categoryFilter != "" {
				filter, err = regexp.Compile(flags.categoryFilter)
				if err != nil {
					return fmt.Errorf("invalid category filter: %w", err)
				}
			}

			ll := logrus.New()
			ll.SetOutput(os.Stderr)
			ll.SetFormatter(&log.ConsoleFormatter{NoColor: flags.noColor})
			if flags.verbose {
				ll.SetLevel(logrus.DebugLevel)
			}

			gs.cfg = cfg
			gs.logger = log.New(ll, flags.verbose, filter)
			return nil
		},
	}

	root.PersistentFlags().AddFlagSet(rootFlagSet(flags))

	root.AddCommand(getCmdBroker(gs))
	root.AddCommand(getCmdClient(gs))
	root.AddCommand(getCmdStatus(gs))
	return root
}

func rootFlagSet(flags *rootFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	fs.BoolVar(&flags.noColor, "no-color", false, "disable colored output")
	fs.StringVar(&flags.categoryFilter, "log-category", "", "regexp filter on log categories")
	fs.IntVar(&flags.debugPort, "debug-port", 9222, "debugging port of the main browser")
	fs.IntVar(&flags.lightPort, "light-port", 9223, "debugging port of the light browser")
	fs.StringVar(&flags.socketPath, "socket", "", "broker unix socket path")
	fs.BoolVar(&flags.hybrid, "hybrid", false, "enable hybrid light/heavy routing")
	fs.BoolVar(&flags.pagePool, "page-pool", true, "pre-warm a pool of blank pages")
	fs.BoolVar(&flags.browserPool, "browser-pool", false, "pool browser instances per origin")
	fs.BoolVar(&flags.defaultContext, "default-context", true, "place default workers in the shared profile")
	fs.StringVar(&flags.stateDir, "state-dir", "", "directory for per-session storage state (enables persistence)")
	return fs
}

// overridesFromFlags turns only the flags the user actually set into
// config overrides.
func overridesFromFlags(cmd *cobra.Command, flags *rootFlags) config.Overrides {
	var o config.Overrides
	set := cmd.Flags().Changed
	if set("debug-port") {
		o.DebugPort = null.IntFrom(int64(flags.debugPort))
	}
	if set("light-port") {
		o.LightPort = null.IntFrom(int64(flags.lightPort))
	}
	if set("socket") {
		o.SocketPath = null.StringFrom(flags.socketPath)
	}
	if set("hybrid") {
		o.HybridEnabled = null.BoolFrom(flags.hybrid)
	}
	if set("page-pool") {
		o.UsePagePool = null.BoolFrom(flags.pagePool)
	}
	if set("browser-pool") {
		o.UseBrowserPool = null.BoolFrom(flags.browserPool)
	}
	if set("default-context") {
		o.UseDefaultContext = null.BoolFrom(flags.defaultContext)
	}
	if set("state-dir") {
		o.StorageStateDir = null.StringFrom(flags.stateDir)
	}
	return o
}
