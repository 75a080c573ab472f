package mongo

import (
	"time"

	"github.com/sessiondoc/sessiondoc/session"
)

// The bson field names below are part of the storage contract and must stay
// stable across releases.

type (
	sessionDocument struct {
		ID          string                   `bson:"_id"`
		SessionID   string                   `bson:"session_id"`
		SessionType string                   `bson:"session_type"`
		CreatedAt   time.Time                `bson:"created_at"`
		UpdatedAt   time.Time                `bson:"updated_at"`
		Metadata    map[string]any           `bson:"metadata"`
		Feedbacks   []feedbackDocument       `bson:"feedbacks"`
		Agents      map[string]agentDocument `bson:"agents"`
	}

	agentDocument struct {
		AgentData agentDataDocument `bson:"agent_data"`
		CreatedAt time.Time         `bson:"created_at"`
		UpdatedAt time.Time         `bson:"updated_at"`
		Messages  []messageDocument `bson:"messages"`
	}

	agentDataDocument struct {
		AgentID      string    `bson:"agent_id"`
		Model        string    `bson:"model"`
		SystemPrompt string    `bson:"system_prompt"`
		CreatedAt    time.Time `bson:"created_at"`
		UpdatedAt    time.Time `bson:"updated_at"`
	}

	messageDocument struct {
		MessageID int              `bson:"message_id"`
		Role      string           `bson:"role"`
		Content   any              `bson:"content"`
		CreatedAt time.Time        `bson:"created_at"`
		UpdatedAt time.Time        `bson:"updated_at"`
		Metrics   *metricsDocument `bson:"event_loop_metrics,omitempty"`
	}

	metricsDocument struct {
		AccumulatedMetrics accumulatedMetricsDocument `bson:"accumulated_metrics"`
		AccumulatedUsage   accumulatedUsageDocument   `bson:"accumulated_usage"`
	}

	accumulatedMetricsDocument struct {
		LatencyMs int64 `bson:"latencyMs"`
	}

	accumulatedUsageDocument struct {
		InputTokens  int64 `bson:"inputTokens"`
		OutputTokens int64 `bson:"outputTokens"`
		TotalTokens  int64 `bson:"totalTokens"`
	}

	feedbackDocument struct {
		Rating    string    `bson:"rating,omitempty"`
		Comment   string    `bson:"comment,omitempty"`
		CreatedAt time.Time `bson:"created_at"`
	}
)

func (d sessionDocument) toSession() session.Session {
	return session.Session{
		ID:        d.SessionID,
		Type:      d.SessionType,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func (d agentDataDocument) toAgentData() session.AgentData {
	return session.AgentData{
		AgentID:      d.AgentID,
		Model:        d.Model,
		SystemPrompt: d.SystemPrompt,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

// toMessage converts a stored message. Metrics are an internal annotation and
// are never surfaced on read paths.
func (d messageDocument) toMessage() session.Message {
	return session.Message{
		ID:        d.MessageID,
		Role:      session.Role(d.Role),
		Content:   d.Content,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func (d feedbackDocument) toFeedback() session.Feedback {
	return session.Feedback{
		Rating:    session.Rating(d.Rating),
		Comment:   d.Comment,
		CreatedAt: d.CreatedAt.UTC(),
	}
}

func fromMetrics(m session.EventLoopMetrics) metricsDocument {
	return metricsDocument{
		AccumulatedMetrics: accumulatedMetricsDocument{LatencyMs: m.LatencyMs},
		AccumulatedUsage: accumulatedUsageDocument{
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
			TotalTokens:  m.TotalTokens,
		},
	}
}
