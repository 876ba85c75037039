package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/v2/mongo/otelmongo"
)

// DefaultTimeout bounds connecting and pinging.
const DefaultTimeout = 10 * time.Second

// Client holds a connected MongoDB client and the service database.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect connects to uri, verifies the primary is reachable and selects
// dbName. Commands are traced with otelmongo.
func Connect(ctx context.Context, uri, dbName string, timeout time.Duration) (*Client, error) {
	if uri == "" || dbName == "" {
		return nil, errors.New("mongodb: uri and database name are required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	log.Info().Str("database", dbName).Msg("Connecting to MongoDB")
	clientOptions := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetTimeout(timeout).
		SetMonitor(otelmongo.NewMonitor())

	client, err := mongo.Connect(clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB primary: %w", err)
	}

	log.Info().Msg("MongoDB client initialized successfully")
	return &Client{client: client, db: client.Database(dbName)}, nil
}

// Database returns the service database.
func (c *Client) Database() *mongo.Database {
	return c.db
}

// Ping checks the primary is reachable. Used by the health check.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.client.Ping(pingCtx, readpref.Primary())
}

// Close disconnects the client.
func (c *Client) Close(ctx context.Context) {
	log.Info().Msg("Closing MongoDB connection")
	if err := c.client.Disconnect(ctx); err != nil {
		log.Error().Err(err).Msg("Error closing MongoDB connection")
	}
}
