// Package hooks ships ready-made interceptors for the session manager:
// composition helpers and a JSON-schema metadata validator. The engine itself
// accepts one hook per operation family; callers who need several behaviors
// compose them here before installation.
package hooks

import (
	"context"

	"github.com/sessiondoc/sessiondoc/session"
)

// ChainMetadata composes several metadata hooks into one. The first hook is
// outermost: it runs first on the way in and last on the way out.
func ChainMetadata(hooks ...session.MetadataHook) session.MetadataHook {
	return session.MetadataHookFunc(func(ctx context.Context, sessionID string, op session.MetadataOp, next session.MetadataNext) (session.Metadata, error) {
		wrapped := next
		for i := len(hooks) - 1; i >= 0; i-- {
			hook := hooks[i]
			inner := wrapped
			wrapped = func(ctx context.Context, op session.MetadataOp) (session.Metadata, error) {
				return hook.HandleMetadata(ctx, sessionID, op, inner)
			}
		}
		return wrapped(ctx, op)
	})
}

// ChainFeedback composes several feedback hooks into one, first hook
// outermost.
func ChainFeedback(hooks ...session.FeedbackHook) session.FeedbackHook {
	return session.FeedbackHookFunc(func(ctx context.Context, sessionID string, fb session.Feedback, next session.FeedbackNext) (session.Feedback, error) {
		wrapped := next
		for i := len(hooks) - 1; i >= 0; i-- {
			hook := hooks[i]
			inner := wrapped
			wrapped = func(ctx context.Context, fb session.Feedback) (session.Feedback, error) {
				return hook.HandleFeedback(ctx, sessionID, fb, inner)
			}
		}
		return wrapped(ctx, fb)
	})
}
