package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sessiondoc/sessiondoc/session"
)

// Process-wide factory for applications with one global configuration. The
// lock only guards the install/uninstall transitions; managers built from the
// factory are independent of it.
var (
	globalMu      sync.Mutex
	globalFactory *Factory

	// newGlobalFactory is a test seam over factory construction.
	newGlobalFactory = NewFactory
)

// InitGlobalFactory installs the process-wide factory. Returns an error when
// one is already installed; close it first to reconfigure.
func InitGlobalFactory(ctx context.Context, opts FactoryOptions) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalFactory != nil {
		return errors.New("global factory already initialized")
	}
	factory, err := newGlobalFactory(ctx, opts)
	if err != nil {
		return fmt.Errorf("init global factory: %w", err)
	}
	globalFactory = factory
	return nil
}

// GlobalFactory returns the process-wide factory. Fails with
// session.ErrNotInitialized before InitGlobalFactory.
func GlobalFactory() (*Factory, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalFactory == nil {
		return nil, session.ErrNotInitialized
	}
	return globalFactory, nil
}

// CloseGlobalFactory closes and uninstalls the process-wide factory. Safe to
// call when none is installed.
func CloseGlobalFactory(ctx context.Context) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalFactory == nil {
		return nil
	}
	err := globalFactory.Close(ctx)
	globalFactory = nil
	return err
}
