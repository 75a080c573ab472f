package session

import "context"

type (
	// MetadataOp is the tagged union of metadata operations a hook can
	// intercept.
	MetadataOp interface {
		isMetadataOp()
	}

	// MetadataUpdate merges Fields into the session metadata.
	MetadataUpdate struct {
		Fields Metadata
	}

	// MetadataGet reads the full metadata map.
	MetadataGet struct{}

	// MetadataDelete removes the named fields.
	MetadataDelete struct {
		Keys []string
	}

	// MetadataNext is the unexecuted underlying store operation, bound to
	// the hook's session. Update and delete operations return a nil map.
	MetadataNext func(ctx context.Context, op MetadataOp) (Metadata, error)

	// MetadataHook intercepts metadata operations before they reach the
	// store. The hook decides whether and how to invoke next: it may
	// transform the operation first, inspect or transform the result,
	// short-circuit without persisting, or return an error to abort the
	// operation. Hooks run synchronously on the calling goroutine; any
	// side effect performed after next returns must not fail the persisted
	// write.
	MetadataHook interface {
		HandleMetadata(ctx context.Context, sessionID string, op MetadataOp, next MetadataNext) (Metadata, error)
	}

	// MetadataHookFunc adapts a function to MetadataHook.
	MetadataHookFunc func(ctx context.Context, sessionID string, op MetadataOp, next MetadataNext) (Metadata, error)

	// FeedbackNext is the unexecuted underlying feedback append, bound to
	// the hook's session. It returns the entry as stored.
	FeedbackNext func(ctx context.Context, fb Feedback) (Feedback, error)

	// FeedbackHook intercepts feedback appends. Same contract as
	// MetadataHook.
	FeedbackHook interface {
		HandleFeedback(ctx context.Context, sessionID string, fb Feedback, next FeedbackNext) (Feedback, error)
	}

	// FeedbackHookFunc adapts a function to FeedbackHook.
	FeedbackHookFunc func(ctx context.Context, sessionID string, fb Feedback, next FeedbackNext) (Feedback, error)
)

func (MetadataUpdate) isMetadataOp() {}
func (MetadataGet) isMetadataOp()    {}
func (MetadataDelete) isMetadataOp() {}

// HandleMetadata calls f.
func (f MetadataHookFunc) HandleMetadata(ctx context.Context, sessionID string, op MetadataOp, next MetadataNext) (Metadata, error) {
	return f(ctx, sessionID, op, next)
}

// HandleFeedback calls f.
func (f FeedbackHookFunc) HandleFeedback(ctx context.Context, sessionID string, fb Feedback, next FeedbackNext) (Feedback, error) {
	return f(ctx, sessionID, fb, next)
}
