// Package session defines the durable conversational-session primitives.
//
// A Session is the unit of persistence: one document holding free-form
// metadata, append-only feedback, and any number of named agents, each with
// its own configuration and ordered message history. Session IDs are stable
// and caller-provided; a session is created on first reference and never
// deleted by this library.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Session captures the top-level state of one persisted conversation.
	// Agents and messages are accessed through their own operations and are
	// not embedded here.
	Session struct {
		// ID is the durable caller-chosen identifier of the session.
		ID string
		// Type is a free-form tag classifying the session.
		Type string
		// CreatedAt records when the session document was first written.
		// Write-once.
		CreatedAt time.Time
		// UpdatedAt records the last mutation of the session document.
		UpdatedAt time.Time
	}

	// AgentData holds the configuration of one agent within a session.
	AgentData struct {
		// AgentID names the agent within its session.
		AgentID string
		// Model identifies the model the agent runs on.
		Model string
		// SystemPrompt is the agent's system prompt text.
		SystemPrompt string
		// CreatedAt records when the agent was first stored. Write-once.
		CreatedAt time.Time
		// UpdatedAt records the last mutation of the agent's configuration.
		UpdatedAt time.Time
	}

	// AgentUpdate carries a partial agent configuration change. Nil fields
	// are left untouched in storage.
	AgentUpdate struct {
		Model        *string
		SystemPrompt *string
	}

	// Message is one turn of conversation content. IDs are assigned by the
	// store, start at 1 and increase by one per append within an agent.
	Message struct {
		// ID is the store-assigned position of the message. Zero on input.
		ID int
		// Role identifies the producer of the message.
		Role Role
		// Content is the conversational payload, stored as-is.
		Content any
		// CreatedAt records when the message was appended. Preserved across
		// redaction.
		CreatedAt time.Time
		// UpdatedAt records the last redaction of the message.
		UpdatedAt time.Time
		// Metrics holds event-loop counters attached at synchronization time.
		// Internal annotation: read operations return messages with Metrics
		// unset.
		Metrics *EventLoopMetrics
	}

	// EventLoopMetrics accumulates latency and token-usage counters for one
	// event-loop cycle. Attached to the most recent assistant message when
	// the host runtime synchronizes.
	EventLoopMetrics struct {
		// LatencyMs is the accumulated model latency in milliseconds.
		LatencyMs int64
		// InputTokens counts tokens sent to the model.
		InputTokens int64
		// OutputTokens counts tokens produced by the model.
		OutputTokens int64
		// TotalTokens is the sum of input and output tokens.
		TotalTokens int64
	}

	// Feedback is an append-only rating/comment record attached to a
	// session. Entries are never updated or removed.
	Feedback struct {
		// Rating is the reviewer's verdict. RatingNone means no rating was
		// given.
		Rating Rating
		// Comment is optional free text.
		Comment string
		// CreatedAt is stamped by the store at append time. Immutable.
		CreatedAt time.Time
	}

	// Metadata is the open string-keyed map of session-scoped context.
	// Values are JSON-like: scalars, nested maps and slices pass through
	// unmodified.
	Metadata map[string]any

	// Role identifies the producer of a message.
	Role string

	// Rating is a feedback verdict.
	Rating string

	// Page bounds a message listing. A zero Limit means unbounded.
	Page struct {
		Offset int
		Limit  int
	}
)

const (
	// RoleUser marks content produced by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks content produced by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem marks system-provided content.
	RoleSystem Role = "system"
	// RoleTool marks tool invocation results.
	RoleTool Role = "tool"

	// RatingUp is positive feedback.
	RatingUp Rating = "up"
	// RatingDown is negative feedback.
	RatingDown Rating = "down"
	// RatingNone indicates the reviewer left no verdict.
	RatingNone Rating = ""
)

// Valid reports whether the role is one of the supported values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Valid reports whether the rating is one of the supported values.
func (r Rating) Valid() bool {
	switch r {
	case RatingUp, RatingDown, RatingNone:
		return true
	}
	return false
}

var (
	// ErrSessionExists indicates a create targeted an already stored session ID.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound indicates the session does not exist in the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAgentNotFound indicates the agent does not exist within the session.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrMessageNotFound indicates no message carries the requested ID.
	ErrMessageNotFound = errors.New("message not found")
	// ErrStoreUnavailable indicates the store could not be reached in time.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrValidationFailed indicates a hook rejected the operation before it
	// reached storage.
	ErrValidationFailed = errors.New("validation failed")
	// ErrNotInitialized indicates the global factory was accessed before
	// initialization.
	ErrNotInitialized = errors.New("factory not initialized")
)

type (
	// Store persists sessions, agents, messages, metadata and feedback.
	//
	// Implementations must be durable and must express each mutation as a
	// field-level update of the one session document so concurrent callers
	// touching different fields never overwrite each other. Store errors are
	// surfaced to callers, not swallowed.
	Store interface {
		// CreateSession inserts a new empty session document. Returns
		// ErrSessionExists when the ID is already stored.
		CreateSession(ctx context.Context, id, sessionType string) (Session, error)
		// ReadSession loads the top-level session record, without agents or
		// messages. Returns ErrSessionNotFound when missing.
		ReadSession(ctx context.Context, id string) (Session, error)

		// CreateAgent stores the agent's configuration under its ID. Creating
		// an agent that already exists leaves the stored agent untouched and
		// returns its configuration. Returns ErrSessionNotFound when the
		// session does not exist.
		CreateAgent(ctx context.Context, sessionID string, data AgentData) (AgentData, error)
		// ReadAgent loads the agent's configuration.
		ReadAgent(ctx context.Context, sessionID, agentID string) (AgentData, error)
		// UpdateAgent applies a partial configuration change, preserving the
		// agent's CreatedAt and rewriting its UpdatedAt.
		UpdateAgent(ctx context.Context, sessionID, agentID string, update AgentUpdate) error

		// CreateMessage appends a message, assigning the next ID for the
		// agent. The assignment is performed store-side so concurrent
		// appends never produce duplicate IDs. Returns the stored message.
		CreateMessage(ctx context.Context, sessionID, agentID string, msg Message) (Message, error)
		// ReadMessage loads one message by ID, with Metrics stripped.
		ReadMessage(ctx context.Context, sessionID, agentID string, messageID int) (Message, error)
		// UpdateMessage replaces the content of the message with the given
		// ID, preserving CreatedAt. Used for redaction.
		UpdateMessage(ctx context.Context, sessionID, agentID string, msg Message) error
		// ListMessages returns messages in ascending ID order, with Metrics
		// stripped, honoring the page bounds.
		ListMessages(ctx context.Context, sessionID, agentID string, page Page) ([]Message, error)
		// AttachMessageMetrics merges counters into the most recently
		// appended assistant message. No-op when the agent has no assistant
		// message yet.
		AttachMessageMetrics(ctx context.Context, sessionID, agentID string, metrics EventLoopMetrics) error

		// UpdateMetadata merges the given fields into the session metadata.
		// Fields not named are preserved.
		UpdateMetadata(ctx context.Context, sessionID string, fields Metadata) error
		// GetMetadata returns the full metadata map, empty when the session
		// holds none.
		GetMetadata(ctx context.Context, sessionID string) (Metadata, error)
		// DeleteMetadata removes exactly the named fields. Absent keys are
		// ignored.
		DeleteMetadata(ctx context.Context, sessionID string, keys []string) error

		// AddFeedback appends a feedback entry with a fresh CreatedAt and
		// returns it as stored.
		AddFeedback(ctx context.Context, sessionID string, fb Feedback) (Feedback, error)
		// ListFeedbacks returns feedback in append order. An absent session
		// yields an empty list, not an error.
		ListFeedbacks(ctx context.Context, sessionID string) ([]Feedback, error)

		// Close releases resources owned by the store. Idempotent; a store
		// built on a borrowed connection leaves it open.
		Close(ctx context.Context) error
	}

	// AgentState is the host runtime's in-memory view of one agent. The
	// session manager reads configuration and accumulated counters off it at
	// synchronization points and replays stored history into it at
	// initialization.
	AgentState interface {
		// AgentID names the agent within its session.
		AgentID() string
		// Model identifies the model the agent currently runs on.
		Model() string
		// SystemPrompt is the agent's current system prompt.
		SystemPrompt() string
		// Metrics returns the counters accumulated since the last sync.
		Metrics() EventLoopMetrics
		// AppendHistory receives one stored message, oldest first.
		AppendHistory(msg Message)
	}
)
