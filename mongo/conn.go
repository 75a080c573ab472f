package mongo

import (
	"context"
	"sync"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
)

// Conn wraps a driver client together with its ownership. A connection built
// by this package is owned and released on Close; one supplied by the caller
// is borrowed and Close leaves it open. The ownership decision is made once,
// here, and threads through every layer built on top.
type Conn struct {
	client *mongodriver.Client
	owned  bool
	once   sync.Once
}

// OwnConn wraps a client this package is responsible for closing.
func OwnConn(client *mongodriver.Client) *Conn {
	return &Conn{client: client, owned: true}
}

// BorrowConn wraps a caller-supplied client that must never be closed here.
func BorrowConn(client *mongodriver.Client) *Conn {
	return &Conn{client: client}
}

// Client returns the wrapped driver client.
func (c *Conn) Client() *mongodriver.Client {
	return c.client
}

// Owned reports whether Close releases the underlying client.
func (c *Conn) Owned() bool {
	return c.owned
}

// Close releases the client when owned, and is a no-op otherwise. Safe to
// call any number of times; only the first call can disconnect.
func (c *Conn) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		if c.owned && c.client != nil {
			err = c.client.Disconnect(ctx)
		}
	})
	return err
}
