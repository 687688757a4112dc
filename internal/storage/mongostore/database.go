// Package mongostore is the MongoDB storage engine. Each logical store maps to
// one collection named <prefix.><name> in the configured database.
package mongostore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Options holds the connection settings of the engine.
type Options struct {
	// URI, when set, is used verbatim instead of Host/Port/credentials.
	URI                string
	Host               string
	Port               uint64
	Username           string
	Password           string
	Database           string
	AppName            string
	Prefix             string
	UseTLS             bool
	ConnectTimeout     time.Duration
	SocketTimeout      time.Duration
	ConnectIdleTimeout time.Duration
	// OperationTimeout bounds every single driver call, zero disables it.
	OperationTimeout time.Duration
	Heartbeat        time.Duration
	MinPoolSize      uint64
	MaxPoolSize      uint64
}

func (o Options) uri() string {
	if o.URI != "" {
		return o.URI
	}
	if o.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", o.Host, o.Port)
	}
	// credentials may contain reserved characters
	encodedUser := url.QueryEscape(o.Username)
	encodedPass := url.QueryEscape(o.Password)
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass, o.Host, o.Port)
}

// Engine is a connected MongoDB client bound to one database.
type Engine struct {
	client   *mongo.Client
	database *mongo.Database
	opts     Options
}

// Connect dials MongoDB and verifies the connection.
func Connect(ctx context.Context, opts Options) (*Engine, error) {
	logger.DebugF("Connecting to database...")

	clientOptions := options.Client().ApplyURI(opts.uri())
	if opts.AppName != "" {
		clientOptions.SetAppName(opts.AppName)
	}
	if opts.MinPoolSize > 0 {
		clientOptions.SetMinPoolSize(opts.MinPoolSize)
	}
	if opts.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(opts.MaxPoolSize)
	}
	if opts.ConnectIdleTimeout > 0 {
		clientOptions.SetMaxConnIdleTime(opts.ConnectIdleTimeout)
	}
	if opts.ConnectTimeout > 0 {
		clientOptions.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.SocketTimeout > 0 {
		clientOptions.SetSocketTimeout(opts.SocketTimeout)
	}
	if opts.Heartbeat > 0 {
		clientOptions.SetHeartbeatInterval(opts.Heartbeat)
	}
	if opts.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{InsecureSkipVerify: false})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: address=%s, id=%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: address=%s, id=%d, reason=%s", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	return &Engine{client: client, database: client.Database(opts.Database), opts: opts}, nil
}

// CollectionName returns the physical collection name of a logical store.
func (e *Engine) CollectionName(name string) string {
	if e.opts.Prefix == "" {
		return name
	}
	return e.opts.Prefix + "." + name
}

func (e *Engine) Collection(name string, indexes ...storage.Index) (storage.Collection, error) {
	return &Collection{
		engine:     e,
		collection: e.database.Collection(e.CollectionName(name)),
		indexes:    indexes,
	}, nil
}

// Close disconnects the client.
func (e *Engine) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	return e.client.Disconnect(ctx)
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.opts.OperationTimeout)
}
