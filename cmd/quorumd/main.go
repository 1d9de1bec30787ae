package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quorumd/quorumd/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Process exit codes.
const (
	exitConfigError    = 1
	exitStorageError   = 2
	exitBootstrapError = 3
)

// exitError carries a specific process exit code alongside the wrapped
// cause, so operators can distinguish a bad flag from a failed disk.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfigError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quorumd",
	Short: "quorumd - a distributed locks, queues, and cache coordination cluster",
	Long: `quorumd is a small coordination cluster: a Raft-replicated lock
service, a hash-routed at-least-once queue, and a leaderless MESI-coherent
cache, all sharing one node process and one peer transport.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("quorumd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cacheCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
