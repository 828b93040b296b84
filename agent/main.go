// quarry-agent runs once at first boot, turns a freshly provisioned
// instance into a ready build node, and exits. It installs the
// container runtime, logs the runtime into the image registry with a
// credential fetched under the node's own identity, prepares the
// workspace, and finally marks the node ready. Progress lands in the
// status and journal documents under the state dir so readiness can be
// polled and failures diagnosed from outside.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/quarrybuild/quarry/internal/api"
	"github.com/quarrybuild/quarry/internal/logging"
	"github.com/quarrybuild/quarry/internal/secrets"
)

func main() {
	var (
		configPath = flag.String("config", api.ConfigPath, "path to the agent config file")
		verify     = flag.Bool("verify", false, "check every bootstrap step without changing anything")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, or error")
	)
	flag.Parse()

	logger := logging.New(os.Stderr, "quarry-agent", *logLevel)

	config, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading agent config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := newAgent(config, logger)

	if *verify {
		if err := agent.runVerify(ctx, os.Stdout); err != nil {
			logger.Fatal().Err(err).Msg("verification failed")
		}
		return
	}

	if err := agent.bootstrap(ctx); err != nil {
		logger.Fatal().Err(err).Msg("bootstrap failed")
	}
	logger.Info().Msg("node is ready")
}

func newSecretsClient(config *api.AgentConfig, logger zerolog.Logger) *secrets.Client {
	client := secrets.NewClient(logger)
	if config.Endpoints.MetadataURL != "" {
		client.MetadataURL = config.Endpoints.MetadataURL
	}
	if config.Endpoints.SecretStoreURL != "" {
		client.StoreURL = config.Endpoints.SecretStoreURL
	}
	return client
}
