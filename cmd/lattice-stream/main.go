// Command lattice-stream is an AWS Lambda function subscribed to the entity
// table's stream. It purges the links of entities removed by DynamoDB TTL.
//
// Configuration comes from LATTICE_* environment variables; the registry
// file is read from LATTICE_REGISTRY and should ship with the function.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/viper"

	"github.com/jacentio/lattice/cascade"
	"github.com/jacentio/lattice/internal/backend"
	"github.com/jacentio/lattice/internal/config"
	"github.com/jacentio/lattice/internal/logging"
	"github.com/jacentio/lattice/relation"
	"github.com/jacentio/lattice/store/dynamo"
	"github.com/jacentio/lattice/stream"
)

func main() {
	handler, err := newHandler(context.Background())
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	lambda.Start(handler.HandleExpired)
}

func newHandler(ctx context.Context) (*stream.Handler, error) {
	v := viper.New()
	if err := config.InitConfig(v, os.Getenv("LATTICE_CONFIG")); err != nil {
		return nil, err
	}
	v.SetDefault("store.backend", config.BackendDynamo)
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	// CloudWatch does not render ANSI colors.
	logger := logging.New(os.Stderr, logging.ParseLevel(level), true)
	slog.SetDefault(logger)

	registry, err := relation.LoadFile(cfg.Registry)
	if err != nil {
		return nil, err
	}
	client, err := backend.NewDynamoClient(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	s := dynamo.New(client, cfg.Dynamo)

	cascader := cascade.New(s, registry, cascade.WithLogger(logger))
	logger.Info("stream handler ready",
		"entities", s.Config().EntityTable,
		"relationships", len(registry.Names()),
	)
	return stream.NewHandler(cascader, logger), nil
}
