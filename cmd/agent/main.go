package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"hookrelay/internal/client"
	"hookrelay/internal/relay"
)

func main() {
	var (
		serverURL  = flag.String("server", "http://localhost:3000", "relay server base URL")
		token      = flag.String("token", os.Getenv("HOOKRELAY_TOKEN"), "API token")
		endpointID = flag.String("endpoint", "", "endpoint id")
		name       = flag.String("name", "", "machine base name (default: hostname)")
		forwardURL = flag.String("forward", "", "local destination for webhooks")
		role       = flag.String("role", "machine", "connection role: machine or viewer")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	if *token == "" || *endpointID == "" {
		log.Fatal("both -token and -endpoint are required")
	}
	if *role == "machine" && *forwardURL == "" {
		log.Fatal("-forward is required for machine role")
	}

	zapCfg := zap.NewProductionConfig()
	if *debug {
		zapCfg = zap.NewDevelopmentConfig()
	}
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := client.Config{
		ServerURL:  wsBase(*serverURL),
		Token:      *token,
		EndpointID: *endpointID,
		Role:       relay.Role(*role),
		ForwardURL: *forwardURL,
		Log:        logger,
	}

	if cfg.Role == relay.RoleMachine {
		api := &client.API{BaseURL: *serverURL, Token: *token}
		rec, err := client.ResolveIdentity(ctx, api, *endpointID, *name, *forwardURL)
		if err != nil {
			logger.Fatal("resolving machine identity", zap.Error(err))
		}
		logger.Info("machine identity",
			zap.String("machineId", rec.ID),
			zap.String("machineName", rec.Name),
		)
		cfg.MachineID = rec.ID
		cfg.MachineName = rec.Name
	} else {
		cfg.OnStatus = func(msg relay.MachineStatusMessage) {
			fmt.Printf("%s %s (%s)\n", msg.Status, msg.MachineName, msg.MachineID)
		}
		cfg.OnResult = func(msg relay.DeliveryResultMessage) {
			fmt.Printf("%s event=%s delivery=%s machine=%s\n", msg.Status, msg.EventID, msg.DeliveryID, msg.MachineName)
		}
	}

	if err := client.New(cfg).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("agent exited", zap.Error(err))
	}
}

func wsBase(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://")
	default:
		return serverURL
	}
}
