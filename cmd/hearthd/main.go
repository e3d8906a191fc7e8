package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hearth-home/hearth/internal/daemon"
	"github.com/hearth-home/hearth/internal/store"
	hearthversion "github.com/hearth-home/hearth/internal/version"
)

func main() {
	var (
		dataDir         string
		tokenServiceURL string
	)

	rootCmd := &cobra.Command{
		Use:           "hearthd",
		Short:         "Hearth hub daemon - plugin runtime orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(dataDir, tokenServiceURL)
		},
	}
	rootCmd.Version = hearthversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory for the hub database, plugins and logs")
	rootCmd.Flags().StringVar(&tokenServiceURL, "token-service", "", "Base URL of the credential token service plugins may use")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(dataDir, tokenServiceURL string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	if err := setupLogging(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	st, err := store.Open(store.Options{DBPath: filepath.Join(dataDir, "hearth.db")})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	d, err := daemon.New(daemon.Options{Store: st, DataDir: dataDir, TokenServiceURL: tokenServiceURL})
	if err != nil {
		st.Close()
		return fmt.Errorf("create daemon: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := d.Start(); err != nil {
			errChan <- err
		}
	}()

	log.Printf("Hearth daemon started (PID: %d)", os.Getpid())
	log.Printf("Data directory: %s", dataDir)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
		if err := d.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Printf("Daemon error: %v", err)
		return err
	}

	log.Println("Daemon stopped")
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hearth"
	}
	return filepath.Join(home, ".hearth")
}

func setupLogging(dataDir string) error {
	logsDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	logPath := filepath.Join(logsDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Hearth Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
