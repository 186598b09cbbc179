package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalvas/mqttclient"
	"github.com/vitalvas/mqttclient/config"
)

// globalFlags override values from the config file when set.
type globalFlags struct {
	configFile string
	servers    []string
	clientID   string
	username   string
	password   string
	version    int
	logLevel   string
	timeout    time.Duration
}

// extraOptions is appended to every client the commands build.
var extraOptions []mqttclient.Option

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "mqttclient",
		Short: "MQTT command-line client",
		Long: `mqttclient publishes and subscribes against MQTT 3.1.1 and 5.0 brokers.

Examples:
  # Publish a message
  mqttclient pub -t "sensor/temp" -m "23.5" -q 1

  # Subscribe to a topic tree
  mqttclient sub -t "sensor/#"

  # Use a config file with a persistent store
  mqttclient --config client.yaml sub -t "jobs/+"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "YAML config file")
	pf.StringSliceVarP(&flags.servers, "server", "s", nil, "broker URL, repeatable (default tcp://localhost:1883)")
	pf.StringVar(&flags.clientID, "client-id", "", "client ID (generated if empty)")
	pf.StringVarP(&flags.username, "username", "u", "", "username")
	pf.StringVarP(&flags.password, "password", "P", "", "password")
	pf.IntVarP(&flags.version, "protocol", "V", 0, "protocol version: 4 (3.1.1) or 5")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error, none")
	pf.DurationVar(&flags.timeout, "timeout", 30*time.Second, "connect timeout")

	cmd.AddCommand(newPubCmd(flags), newSubCmd(flags), newVersionCmd())
	return cmd
}

// loadConfig reads the config file and applies command-line overrides.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}

	if len(f.servers) > 0 {
		cfg.Client.Servers = f.servers
	}
	if f.clientID != "" {
		cfg.Client.ClientID = f.clientID
	}
	if f.username != "" {
		cfg.Client.Username = f.username
	}
	if f.password != "" {
		cfg.Client.Password = f.password
	}
	if f.version != 0 {
		cfg.Client.ProtocolVersion = f.version
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.timeout > 0 {
		cfg.Client.ConnectTimeout = f.timeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// connect builds a client from the configuration and waits for the first
// connection. The returned cleanup disconnects and closes the store.
func (f *globalFlags) connect(ctx context.Context, opts ...mqttclient.Option) (*mqttclient.Client, func(), error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	store, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		logger.Zap().Sync()
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	clientOpts, err := cfg.ClientOptions(store, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	clientOpts = append(clientOpts, opts...)
	clientOpts = append(clientOpts, extraOptions...)

	client, err := mqttclient.NewClient(clientOpts...)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if client.IsConnected() {
			client.Disconnect().Wait()
		}
		client.Close()
		store.Close()
		logger.Zap().Sync()
	}

	if err := client.Connect(ctx).WaitContext(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	return client, cleanup, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
