package manager

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"github.com/sessiondoc/sessiondoc/mongo"
	"github.com/sessiondoc/sessiondoc/session"
)

type (
	// FactoryOptions configures a Factory. Exactly one of Client and URI
	// selects the connection: a caller-supplied Client is borrowed and never
	// closed by the factory; a URI makes the factory initialize its own
	// pool, closed on Factory.Close.
	FactoryOptions struct {
		// Client is an existing driver client shared by every manager.
		Client *mongodriver.Client
		// URI is the connection string used when Client is nil.
		URI string
		// Pool tunes the pooled client built from URI. Its URI field is
		// ignored.
		Pool mongo.PoolOptions
		// Database and Collection locate the session collection.
		Database   string
		Collection string
		// MetadataIndexes lists metadata field names to index. Indexes are
		// bootstrapped once, at factory construction.
		MetadataIndexes []string
		// Timeout bounds individual store operations.
		Timeout time.Duration
		// SessionType tags sessions created through this factory.
		SessionType string
		// MetadataHook and FeedbackHook are installed on every manager
		// built by this factory unless overridden per manager.
		MetadataHook session.MetadataHook
		FeedbackHook session.FeedbackHook
	}

	// Factory builds session managers that share one pooled client. Manager
	// construction is allocation only: the shared connection is established
	// once, here, and indexes are bootstrapped once, here.
	Factory struct {
		client *mongodriver.Client
		pool   *mongo.Pool
		opts   FactoryOptions
		store  session.Store

		// newStore is a test seam over repository construction.
		newStore func(ctx context.Context, opts mongo.RepositoryOptions) (session.Store, error)
	}

	// ManagerOption overrides factory defaults for one manager.
	ManagerOption func(*Options)
)

// WithSessionType tags the session created for this manager.
func WithSessionType(sessionType string) ManagerOption {
	return func(o *Options) { o.SessionType = sessionType }
}

// WithMetadataHook installs a metadata hook on this manager.
func WithMetadataHook(hook session.MetadataHook) ManagerOption {
	return func(o *Options) { o.MetadataHook = hook }
}

// WithFeedbackHook installs a feedback hook on this manager.
func WithFeedbackHook(hook session.FeedbackHook) ManagerOption {
	return func(o *Options) { o.FeedbackHook = hook }
}

// NewFactory connects (or adopts) the shared client, probes the store when it
// owns the connection and bootstraps the configured indexes.
func NewFactory(ctx context.Context, opts FactoryOptions) (*Factory, error) {
	f := &Factory{
		opts: opts,
		newStore: func(ctx context.Context, opts mongo.RepositoryOptions) (session.Store, error) {
			return mongo.NewRepository(ctx, opts)
		},
	}
	return f, f.init(ctx)
}

func newFactoryWithStores(ctx context.Context, opts FactoryOptions,
	newStore func(ctx context.Context, opts mongo.RepositoryOptions) (session.Store, error)) (*Factory, error) {
	f := &Factory{opts: opts, newStore: newStore}
	return f, f.init(ctx)
}

func (f *Factory) init(ctx context.Context) error {
	switch {
	case f.opts.Client != nil:
		f.client = f.opts.Client
	case f.opts.URI != "":
		f.pool = mongo.NewPool()
		tuning := f.opts.Pool
		tuning.URI = f.opts.URI
		client, err := f.pool.Initialize(ctx, tuning)
		if err != nil {
			return err
		}
		f.client = client
	default:
		return errors.New("either a client or a connection URI is required")
	}

	// One repository retained for the lifetime of the factory carries the
	// index bootstrap; managers skip it.
	store, err := f.newStore(ctx, f.repositoryOptions(false))
	if err != nil {
		if f.pool != nil {
			_ = f.pool.Close(ctx)
		}
		return err
	}
	f.store = store
	return nil
}

// Manager builds a facade for the given session, reusing the shared client.
// An empty sessionID gets a generated identifier.
func (f *Factory) Manager(ctx context.Context, sessionID string, opts ...ManagerOption) (*SessionManager, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	store, err := f.newStore(ctx, f.repositoryOptions(true))
	if err != nil {
		return nil, err
	}
	mopts := Options{
		Store:        store,
		SessionID:    sessionID,
		SessionType:  f.opts.SessionType,
		MetadataHook: f.opts.MetadataHook,
		FeedbackHook: f.opts.FeedbackHook,
	}
	for _, opt := range opts {
		opt(&mopts)
	}
	return New(ctx, mopts)
}

// Stats reports the pool diagnostics when the factory owns its pool.
func (f *Factory) Stats(ctx context.Context) mongo.PoolStats {
	if f.pool == nil {
		return mongo.PoolStats{Error: "factory uses a borrowed client"}
	}
	return f.pool.Stats(ctx)
}

// Close releases the pooled connection when the factory owns it. A borrowed
// client is left open. Safe to call multiple times.
func (f *Factory) Close(ctx context.Context) error {
	if f.store != nil {
		if err := f.store.Close(ctx); err != nil {
			return err
		}
		f.store = nil
	}
	if f.pool != nil {
		return f.pool.Close(ctx)
	}
	return nil
}

func (f *Factory) repositoryOptions(skipIndexes bool) mongo.RepositoryOptions {
	return mongo.RepositoryOptions{
		Client:                f.client,
		Database:              f.opts.Database,
		Collection:            f.opts.Collection,
		MetadataIndexes:       f.opts.MetadataIndexes,
		Timeout:               f.opts.Timeout,
		DisableIndexBootstrap: skipIndexes,
	}
}
