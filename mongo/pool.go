package mongo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/log"

	"github.com/sessiondoc/sessiondoc/session"
)

const (
	defaultMaxPoolSize            = 100
	defaultMinPoolSize            = 10
	defaultMaxConnIdleTime        = 30 * time.Minute
	defaultConnectTimeout         = 10 * time.Second
	defaultServerSelectionTimeout = 5 * time.Second
	defaultSocketTimeout          = 30 * time.Second
)

type (
	// PoolOptions configures the shared client connection. Zero fields take
	// production defaults; retry flags default to enabled.
	PoolOptions struct {
		// URI is the MongoDB connection string. Required.
		URI string
		// MaxPoolSize bounds concurrent connections. Defaults to 100.
		MaxPoolSize uint64
		// MinPoolSize keeps warm connections open. Defaults to 10.
		MinPoolSize uint64
		// MaxConnIdleTime evicts idle connections. Defaults to 30 minutes.
		MaxConnIdleTime time.Duration
		// ConnectTimeout bounds the initial dial. Defaults to 10 seconds.
		ConnectTimeout time.Duration
		// ServerSelectionTimeout bounds server selection. Defaults to 5 seconds.
		ServerSelectionTimeout time.Duration
		// SocketTimeout bounds individual socket reads/writes. Defaults to
		// 30 seconds.
		SocketTimeout time.Duration
		// RetryWrites toggles transient write retries. Defaults to true.
		RetryWrites *bool
		// RetryReads toggles transient read retries. Defaults to true.
		RetryReads *bool
		// Compressors lists wire compressors to negotiate (e.g. "zstd").
		Compressors []string
	}

	// Pool holds one lazily-initialized driver client shared by every
	// repository built from it. Initialize is idempotent for identical
	// parameters and replaces the client, closing the old one first, when
	// the parameters change. All state transitions are serialized by one
	// lock; individual store operations flow through the driver's own
	// connection pool and are not serialized here.
	Pool struct {
		mu     sync.Mutex
		client *mongodriver.Client
		params poolParams

		// seams, replaceable in tests
		connect       func(ctx context.Context, opts *options.ClientOptions) (*mongodriver.Client, error)
		ping          func(ctx context.Context, client *mongodriver.Client) error
		disconnect    func(ctx context.Context, client *mongodriver.Client) error
		serverVersion func(ctx context.Context, client *mongodriver.Client) (string, error)
	}

	// PoolStats is a point-in-time diagnostic snapshot of the pool.
	PoolStats struct {
		// Connected reports whether the store answered a ping.
		Connected bool
		// ServerVersion is the store's reported version when connected.
		ServerVersion string
		// MaxPoolSize is the effective pool bound of the current client.
		MaxPoolSize uint64
		// Error carries the probe failure when Connected is false.
		Error string
	}

	// poolParams is the comparable fingerprint of resolved pool options.
	poolParams struct {
		uri                    string
		maxPoolSize            uint64
		minPoolSize            uint64
		maxConnIdleTime        time.Duration
		connectTimeout         time.Duration
		serverSelectionTimeout time.Duration
		socketTimeout          time.Duration
		retryWrites            bool
		retryReads             bool
		compressors            string
	}
)

// NewPool returns an uninitialized pool.
func NewPool() *Pool {
	return &Pool{
		connect: func(ctx context.Context, opts *options.ClientOptions) (*mongodriver.Client, error) {
			return mongodriver.Connect(ctx, opts)
		},
		ping: func(ctx context.Context, client *mongodriver.Client) error {
			return client.Ping(ctx, readpref.Primary())
		},
		disconnect: func(ctx context.Context, client *mongodriver.Client) error {
			return client.Disconnect(ctx)
		},
		serverVersion: func(ctx context.Context, client *mongodriver.Client) (string, error) {
			var info struct {
				Version string `bson:"version"`
			}
			res := client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}})
			if err := res.Decode(&info); err != nil {
				return "", err
			}
			return info.Version, nil
		},
	}
}

// Initialize connects the pool, or returns the existing client when already
// initialized with identical parameters. Different parameters close the prior
// client before reconnecting. Initialization probes the store and fails when
// it is unreachable.
func (p *Pool) Initialize(ctx context.Context, opts PoolOptions) (*mongodriver.Client, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("connection URI is required")
	}
	params := resolvePoolParams(opts)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		if params == p.params {
			return p.client, nil
		}
		if err := p.disconnect(ctx, p.client); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "close previous client"}, log.KV{K: "err", V: err.Error()})
		}
		p.client = nil
		p.params = poolParams{}
	}

	client, err := p.connect(ctx, clientOptions(params))
	if err != nil {
		return nil, fmt.Errorf("connect: %w: %v", session.ErrStoreUnavailable, err)
	}
	if err := p.ping(ctx, client); err != nil {
		_ = p.disconnect(ctx, client)
		return nil, fmt.Errorf("ping: %w: %v", session.ErrStoreUnavailable, err)
	}
	p.client = client
	p.params = params
	return client, nil
}

// Client returns the current client, or nil when uninitialized. Never blocks
// on the network.
func (p *Pool) Client() *mongodriver.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// Close releases the client and returns the pool to its uninitialized state.
// Safe to call when already uninitialized.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.disconnect(ctx, p.client)
	p.client = nil
	p.params = poolParams{}
	return err
}

// Stats reports the pool's connection status. It never returns an error;
// probe failures are carried in the Error field.
func (p *Pool) Stats(ctx context.Context) PoolStats {
	p.mu.Lock()
	client := p.client
	params := p.params
	p.mu.Unlock()

	if client == nil {
		return PoolStats{Error: "not initialized"}
	}
	stats := PoolStats{MaxPoolSize: params.maxPoolSize}
	if err := p.ping(ctx, client); err != nil {
		stats.Error = err.Error()
		return stats
	}
	stats.Connected = true
	version, err := p.serverVersion(ctx, client)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "read server version"}, log.KV{K: "err", V: err.Error()})
		return stats
	}
	stats.ServerVersion = version
	return stats
}

func resolvePoolParams(opts PoolOptions) poolParams {
	params := poolParams{
		uri:                    opts.URI,
		maxPoolSize:            opts.MaxPoolSize,
		minPoolSize:            opts.MinPoolSize,
		maxConnIdleTime:        opts.MaxConnIdleTime,
		connectTimeout:         opts.ConnectTimeout,
		serverSelectionTimeout: opts.ServerSelectionTimeout,
		socketTimeout:          opts.SocketTimeout,
		retryWrites:            true,
		retryReads:             true,
		compressors:            strings.Join(opts.Compressors, ","),
	}
	if params.maxPoolSize == 0 {
		params.maxPoolSize = defaultMaxPoolSize
	}
	if params.minPoolSize == 0 {
		params.minPoolSize = defaultMinPoolSize
	}
	if params.maxConnIdleTime == 0 {
		params.maxConnIdleTime = defaultMaxConnIdleTime
	}
	if params.connectTimeout == 0 {
		params.connectTimeout = defaultConnectTimeout
	}
	if params.serverSelectionTimeout == 0 {
		params.serverSelectionTimeout = defaultServerSelectionTimeout
	}
	if params.socketTimeout == 0 {
		params.socketTimeout = defaultSocketTimeout
	}
	if opts.RetryWrites != nil {
		params.retryWrites = *opts.RetryWrites
	}
	if opts.RetryReads != nil {
		params.retryReads = *opts.RetryReads
	}
	return params
}

func clientOptions(params poolParams) *options.ClientOptions {
	opts := options.Client().
		ApplyURI(params.uri).
		SetMaxPoolSize(params.maxPoolSize).
		SetMinPoolSize(params.minPoolSize).
		SetMaxConnIdleTime(params.maxConnIdleTime).
		SetConnectTimeout(params.connectTimeout).
		SetServerSelectionTimeout(params.serverSelectionTimeout).
		SetSocketTimeout(params.socketTimeout).
		SetRetryWrites(params.retryWrites).
		SetRetryReads(params.retryReads)
	if params.compressors != "" {
		opts = opts.SetCompressors(strings.Split(params.compressors, ","))
	}
	return opts
}
