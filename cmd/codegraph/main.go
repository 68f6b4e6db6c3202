package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codegraph-dev/codegraph/internal/config"
	"github.com/codegraph-dev/codegraph/internal/logging"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile string
	verbose bool
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "codegraph",
	Short: "Codegraph - code intelligence graph server for coding agents",
	Long: `Codegraph builds a temporal code graph from a workspace and serves
hybrid retrieval, agent coordination, and episodic memory over MCP.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: config load failed, using defaults: %v\n", err)
			cfg = config.Default()
		}
		if verbose {
			cfg.Log.Verbose = true
		}
		initLogging()
	},
}

func initLogging() {
	level := logging.INFO
	if cfg.Log.Verbose {
		level = logging.DEBUG
	}
	logFile := ""
	if cfg.Log.Dir != "" {
		logFile = filepath.Join(cfg.Log.Dir, "codegraph.log")
	} else if cfg.Workspace.Root != "" {
		logFile = filepath.Join(cfg.Workspace.Root, config.AppDir, "logs", "codegraph.log")
	}
	if err := logging.Initialize(logging.Config{
		Level:      level,
		OutputFile: logFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging setup failed: %v\n", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .codegraph/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.SetVersionTemplate(`Codegraph {{.Version}}
Build time: ` + BuildTime + `
Git commit: ` + GitCommit + `
`)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(healthCmd)
}
