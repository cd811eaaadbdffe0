// Package backend opens the store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/jacentio/lattice/internal/config"
	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/store/dynamo"
	"github.com/jacentio/lattice/store/memstore"
	"github.com/jacentio/lattice/store/sqlstore"
)

// Expirer is implemented by stores that can schedule an entity for removal.
type Expirer interface {
	Expire(ctx context.Context, ref store.Ref, at time.Time) error
}

// Open returns the store named by cfg.Store.Backend. A sqlite database is
// migrated on open; postgres is left to "lattice migrate".
func Open(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memstore.New(), nil

	case config.BackendSQLite, config.BackendPostgres:
		dialect, err := sqlstore.ParseDialect(cfg.Store.Backend)
		if err != nil {
			return nil, err
		}
		s, err := sqlstore.Open(ctx, dialect, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if dialect == sqlstore.SQLite {
			if err := s.Migrate(); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil

	case config.BackendDynamo:
		client, err := NewDynamoClient(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		return dynamo.New(client, cfg.Dynamo), nil
	}
	return nil, fmt.Errorf("%w: unknown store backend %q", store.ErrConfiguration, cfg.Store.Backend)
}

// NewDynamoClient builds a DynamoDB client from the default AWS chain,
// narrowed by the configured region, profile and endpoint.
func NewDynamoClient(ctx context.Context, c config.AWSConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	if c.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", store.ErrConfiguration, err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	}), nil
}
