// plugin-host runs a compiled-in plugin as a standalone process for
// microservice mode. The hub launches it with the socket path and plugin
// name in the environment, then drives the plugin over the RPC channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hearth-home/hearth/internal/pluginhost"
	"github.com/hearth-home/hearth/internal/pluginrpc"
	hearthversion "github.com/hearth-home/hearth/internal/version"
)

func main() {
	var (
		socketPath string
		pluginName string
	)

	rootCmd := &cobra.Command{
		Use:           "plugin-host",
		Short:         "Hearth plugin host - serves one plugin over the hub RPC channel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if socketPath == "" {
				socketPath = os.Getenv(pluginrpc.EnvPluginSocket)
			}
			if pluginName == "" {
				pluginName = os.Getenv(pluginrpc.EnvPluginName)
			}
			if socketPath == "" || pluginName == "" {
				return fmt.Errorf("socket path and plugin name are required (flags or %s/%s)",
					pluginrpc.EnvPluginSocket, pluginrpc.EnvPluginName)
			}
			return runHost(socketPath, pluginName)
		},
	}
	rootCmd.Version = hearthversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "Hub socket path (defaults to "+pluginrpc.EnvPluginSocket+")")
	rootCmd.Flags().StringVar(&pluginName, "plugin", "", "Plugin name (defaults to "+pluginrpc.EnvPluginName+")")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runHost(socketPath, pluginName string) error {
	log.SetPrefix("plugin-host ")
	log.Printf("%s starting for %s", hearthversion.String(), pluginName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %s, shutting down", sig)
		cancel()
	}()

	h := pluginhost.New(pluginName, log.Default())
	if err := h.Run(ctx, socketPath); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf("%s stopped", pluginName)
	return nil
}
