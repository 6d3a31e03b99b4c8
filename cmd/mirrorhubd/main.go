/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Command mirrorhubd is the hub daemon's entrypoint: serve runs the
// reactor until interrupted, ping-peers is a one-shot diagnostic, and
// version reports the build metadata.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sabouaram/mirrorhub/internal/hub"
	"github.com/sabouaram/mirrorhub/internal/hubconfig"
	"github.com/sabouaram/mirrorhub/internal/huberr"
	"github.com/sabouaram/mirrorhub/internal/hublog"
)

// version is stamped at build time via -ldflags; "dev" is the fallback for
// a plain `go build`.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:           "mirrorhubd",
		Short:         "Hub-and-spoke caching redirector for a package mirror network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/mirrorhub/mirrorhub.ini", "path to the hub's INI configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))       //nolint:errcheck
	viper.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level")) //nolint:errcheck

	exitCode := 0

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub, serving client connections until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := serve(configPath, logLevel)
			exitCode = code
			return err
		},
	}

	pingCmd := &cobra.Command{
		Use:   "ping-peers",
		Short: "Probe every configured peer and report which are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := pingPeers(configPath, logLevel)
			exitCode = code
			return err
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}

	root.AddCommand(serveCmd, pingCmd, versionCmd)

	if err := root.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = 1
		}
		fmt.Fprintln(os.Stderr, err)
	}
	return exitCode
}

// serve loads the configuration, builds the Hub, and blocks until SIGINT
// or SIGTERM. Exit codes follow SPEC_FULL.md §6/§7: 1 for setup failures
// (socket/bind/listen/epoll-create), 2 for configuration problems.
func serve(configPath, logLevel string) (int, error) {
	log := hublog.New(os.Stderr, logLevel)

	cfg, err := hubconfig.Load(configPath)
	if err != nil {
		return exitCodeFor(err, 2), err
	}

	h, err := hub.New(cfg, log)
	if err != nil {
		return exitCodeFor(err, 1), err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Start(ctx); err != nil {
		return 1, err
	}
	log.Info("mirrorhub serving")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), hubShutdownGrace)
	defer cancel()
	if err := h.Stop(shutdownCtx); err != nil {
		return 1, err
	}
	return 0, nil
}

func pingPeers(configPath, logLevel string) (int, error) {
	log := hublog.New(os.Stderr, logLevel)

	cfg, err := hubconfig.Load(configPath)
	if err != nil {
		return exitCodeFor(err, 2), err
	}

	results, err := hub.PingPeers(cfg, log)
	if err != nil {
		return 1, err
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	allReachable := true
	for _, name := range names {
		status := "reachable"
		if !results[name] {
			status = "unreachable"
			allReachable = false
		}
		fmt.Printf("%s: %s\n", name, status)
	}

	if !allReachable {
		return 1, nil
	}
	return 0, nil
}

func exitCodeFor(err error, fallback int) int {
	if he, ok := err.(*huberr.Error); ok && he.Code() == huberr.ErrConfig {
		return 2
	}
	return fallback
}

const hubShutdownGrace = 5 * time.Second
