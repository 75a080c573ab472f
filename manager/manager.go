// Package manager exposes the public entry point of the engine: a session
// manager facade combining the store, the hook interception layer and the
// metrics-merge step performed at synchronization points, plus a factory that
// builds many facades sharing one pooled connection.
package manager

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sessiondoc/sessiondoc/session"
)

const tracerName = "github.com/sessiondoc/sessiondoc/manager"

type (
	// Options configures a SessionManager.
	Options struct {
		// Store is the persistence layer. Required.
		Store session.Store
		// SessionID names the session this manager is bound to. Required.
		SessionID string
		// SessionType tags the session document when it is first created.
		SessionType string
		// MetadataHook intercepts metadata operations. Optional. Callers
		// needing several behaviors compose them into one hook before
		// installation.
		MetadataHook session.MetadataHook
		// FeedbackHook intercepts feedback appends. Optional.
		FeedbackHook session.FeedbackHook
	}

	// SessionManager is the facade bound to one session. It delegates to the
	// store, routing metadata and feedback mutations through the installed
	// hooks, and bridges the host runtime's in-memory agent state to storage
	// at Sync and Initialize.
	//
	// Safe for concurrent use; every blocking call happens inside individual
	// store operations.
	SessionManager struct {
		sessionID    string
		store        session.Store
		metadataHook session.MetadataHook
		feedbackHook session.FeedbackHook
		tracer       trace.Tracer
	}
)

// New builds a facade bound to opts.SessionID, creating the session document
// on first reference. An already stored session is reused as-is.
func New(ctx context.Context, opts Options) (*SessionManager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if _, err := opts.Store.CreateSession(ctx, opts.SessionID, opts.SessionType); err != nil {
		if !errors.Is(err, session.ErrSessionExists) {
			return nil, fmt.Errorf("ensure session: %w", err)
		}
	}
	return &SessionManager{
		sessionID:    opts.SessionID,
		store:        opts.Store,
		metadataHook: opts.MetadataHook,
		feedbackHook: opts.FeedbackHook,
		tracer:       otel.Tracer(tracerName),
	}, nil
}

// SessionID returns the session this manager is bound to.
func (m *SessionManager) SessionID() string {
	return m.sessionID
}

// Session loads the top-level session record.
func (m *SessionManager) Session(ctx context.Context) (session.Session, error) {
	return m.store.ReadSession(ctx, m.sessionID)
}

// CreateAgent stores an agent's configuration under its ID.
func (m *SessionManager) CreateAgent(ctx context.Context, data session.AgentData) (session.AgentData, error) {
	return m.store.CreateAgent(ctx, m.sessionID, data)
}

// ReadAgent loads an agent's configuration.
func (m *SessionManager) ReadAgent(ctx context.Context, agentID string) (session.AgentData, error) {
	return m.store.ReadAgent(ctx, m.sessionID, agentID)
}

// AppendMessage appends one message to the agent's history and returns it
// with its store-assigned ID.
func (m *SessionManager) AppendMessage(ctx context.Context, agentID string, msg session.Message) (session.Message, error) {
	ctx, span := m.startSpan(ctx, "sessiondoc.append_message")
	defer span.End()
	stored, err := m.store.CreateMessage(ctx, m.sessionID, agentID, msg)
	return stored, m.endSpan(span, err)
}

// ReadMessage loads one message by ID.
func (m *SessionManager) ReadMessage(ctx context.Context, agentID string, messageID int) (session.Message, error) {
	return m.store.ReadMessage(ctx, m.sessionID, agentID, messageID)
}

// RedactMessage replaces the content of the message with the given ID.
func (m *SessionManager) RedactMessage(ctx context.Context, agentID string, messageID int, content any) error {
	ctx, span := m.startSpan(ctx, "sessiondoc.redact_message")
	defer span.End()
	err := m.store.UpdateMessage(ctx, m.sessionID, agentID, session.Message{ID: messageID, Content: content})
	return m.endSpan(span, err)
}

// ListMessages returns the agent's history in chronological order.
func (m *SessionManager) ListMessages(ctx context.Context, agentID string, page session.Page) ([]session.Message, error) {
	return m.store.ListMessages(ctx, m.sessionID, agentID, page)
}

// UpdateMetadata merges fields into the session metadata, routed through the
// installed metadata hook.
func (m *SessionManager) UpdateMetadata(ctx context.Context, fields session.Metadata) error {
	ctx, span := m.startSpan(ctx, "sessiondoc.update_metadata")
	defer span.End()
	_, err := m.dispatchMetadata(ctx, session.MetadataUpdate{Fields: fields})
	return m.endSpan(span, err)
}

// GetMetadata returns the session metadata, routed through the installed
// metadata hook.
func (m *SessionManager) GetMetadata(ctx context.Context) (session.Metadata, error) {
	ctx, span := m.startSpan(ctx, "sessiondoc.get_metadata")
	defer span.End()
	md, err := m.dispatchMetadata(ctx, session.MetadataGet{})
	return md, m.endSpan(span, err)
}

// DeleteMetadata removes the named metadata fields, routed through the
// installed metadata hook.
func (m *SessionManager) DeleteMetadata(ctx context.Context, keys ...string) error {
	ctx, span := m.startSpan(ctx, "sessiondoc.delete_metadata")
	defer span.End()
	_, err := m.dispatchMetadata(ctx, session.MetadataDelete{Keys: keys})
	return m.endSpan(span, err)
}

// AddFeedback appends a feedback entry, routed through the installed
// feedback hook, and returns it as stored.
func (m *SessionManager) AddFeedback(ctx context.Context, fb session.Feedback) (session.Feedback, error) {
	ctx, span := m.startSpan(ctx, "sessiondoc.add_feedback")
	defer span.End()
	var stored session.Feedback
	var err error
	if m.feedbackHook == nil {
		stored, err = m.store.AddFeedback(ctx, m.sessionID, fb)
	} else {
		stored, err = m.feedbackHook.HandleFeedback(ctx, m.sessionID, fb, func(ctx context.Context, fb session.Feedback) (session.Feedback, error) {
			return m.store.AddFeedback(ctx, m.sessionID, fb)
		})
	}
	return stored, m.endSpan(span, err)
}

// ListFeedbacks returns the session's feedback in append order.
func (m *SessionManager) ListFeedbacks(ctx context.Context) ([]session.Feedback, error) {
	return m.store.ListFeedbacks(ctx, m.sessionID)
}

// Sync persists the agent's current configuration and merges its accumulated
// event-loop counters into the most recently appended assistant message. The
// agent document is created when this is the session's first sight of it.
func (m *SessionManager) Sync(ctx context.Context, agent session.AgentState) error {
	ctx, span := m.startSpan(ctx, "sessiondoc.sync")
	defer span.End()

	model := agent.Model()
	prompt := agent.SystemPrompt()
	err := m.store.UpdateAgent(ctx, m.sessionID, agent.AgentID(), session.AgentUpdate{
		Model:        &model,
		SystemPrompt: &prompt,
	})
	if errors.Is(err, session.ErrAgentNotFound) {
		_, err = m.store.CreateAgent(ctx, m.sessionID, session.AgentData{
			AgentID:      agent.AgentID(),
			Model:        model,
			SystemPrompt: prompt,
		})
	}
	if err != nil {
		return m.endSpan(span, fmt.Errorf("sync agent %q: %w", agent.AgentID(), err))
	}
	if err := m.store.AttachMessageMetrics(ctx, m.sessionID, agent.AgentID(), agent.Metrics()); err != nil {
		return m.endSpan(span, fmt.Errorf("sync agent %q: %w", agent.AgentID(), err))
	}
	return m.endSpan(span, nil)
}

// Initialize replays the stored message history into the agent's in-memory
// state, oldest first, creating the agent document when absent.
func (m *SessionManager) Initialize(ctx context.Context, agent session.AgentState) error {
	ctx, span := m.startSpan(ctx, "sessiondoc.initialize")
	defer span.End()

	_, err := m.store.ReadAgent(ctx, m.sessionID, agent.AgentID())
	if errors.Is(err, session.ErrAgentNotFound) {
		_, err = m.store.CreateAgent(ctx, m.sessionID, session.AgentData{
			AgentID:      agent.AgentID(),
			Model:        agent.Model(),
			SystemPrompt: agent.SystemPrompt(),
		})
	}
	if err != nil {
		return m.endSpan(span, fmt.Errorf("initialize agent %q: %w", agent.AgentID(), err))
	}
	messages, err := m.store.ListMessages(ctx, m.sessionID, agent.AgentID(), session.Page{})
	if err != nil {
		return m.endSpan(span, fmt.Errorf("initialize agent %q: %w", agent.AgentID(), err))
	}
	for _, msg := range messages {
		agent.AppendHistory(msg)
	}
	return m.endSpan(span, nil)
}

// Close releases the store. A store on a borrowed connection leaves it open.
func (m *SessionManager) Close(ctx context.Context) error {
	return m.store.Close(ctx)
}

// dispatchMetadata routes the operation through the hook when one is
// installed, handing it the unexecuted store call bound to this session.
func (m *SessionManager) dispatchMetadata(ctx context.Context, op session.MetadataOp) (session.Metadata, error) {
	if m.metadataHook == nil {
		return m.runMetadata(ctx, op)
	}
	return m.metadataHook.HandleMetadata(ctx, m.sessionID, op, m.runMetadata)
}

func (m *SessionManager) runMetadata(ctx context.Context, op session.MetadataOp) (session.Metadata, error) {
	switch op := op.(type) {
	case session.MetadataUpdate:
		return nil, m.store.UpdateMetadata(ctx, m.sessionID, op.Fields)
	case session.MetadataGet:
		return m.store.GetMetadata(ctx, m.sessionID)
	case session.MetadataDelete:
		return nil, m.store.DeleteMetadata(ctx, m.sessionID, op.Keys)
	default:
		return nil, fmt.Errorf("unsupported metadata operation %T", op)
	}
}

func (m *SessionManager) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("session.id", m.sessionID)))
}

func (m *SessionManager) endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
