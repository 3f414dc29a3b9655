package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tandem/internal/app"
	"tandem/internal/config"
	"tandem/internal/logging"
)

var (
	version  = "0.1.0"
	cfgFile  string
	logLevel string
	workDir  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tandem",
		Short: "Agent runtime for AI-assisted coding",
		Long: `Tandem is the runtime core of an AI coding assistant. It manages
sessions and agent runs, builtin and external tools, and model providers,
and exposes everything as an event stream for clients to render.`,
		RunE: runApp,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/tandem/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", "", "working directory for builtin tools (default is the current directory)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tandem version %s\n", version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		RunE:  runSessions,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if cfgFile != "" {
		cfg, err = config.LoadFrom(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func runApp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	configDir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	if cfg.Logging.File {
		level := logging.ParseLevel(cfg.Logging.Level)
		if err := logging.EnableFileLogging(configDir, level); err != nil {
			return fmt.Errorf("failed to enable logging: %w", err)
		}
		defer logging.Close()
	}

	dir := workDir
	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, dir)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// Stream events to stdout until interrupted. Clients embed the app
	// package directly; this surface is for inspection and scripting.
	eventCh, cancel := application.Subscribe(128)
	defer cancel()

	encoder := json.NewEncoder(os.Stdout)

	fmt.Fprintln(os.Stderr, "tandem running, press Ctrl-C to stop")
	for {
		select {
		case <-ctx.Done():
			return application.Shutdown()
		case event, ok := <-eventCh:
			if !ok {
				return application.Shutdown()
			}
			if err := encoder.Encode(event); err != nil {
				logging.Warn("failed to encode event", "error", err)
			}
		}
	}
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg, ".")
	if err != nil {
		return err
	}
	defer application.Shutdown()

	infos, err := application.ListSessions()
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	for _, info := range infos {
		fmt.Printf("%s  %-24s  %3d messages  %s\n",
			info.ID, info.Name, info.MessageCount, info.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
