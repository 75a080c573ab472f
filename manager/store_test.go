package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sessiondoc/sessiondoc/session"
)

// memStore is an in-memory session.Store used to exercise the facade without
// a database.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession
	closed   int
	failNext error
}

type memSession struct {
	session  session.Session
	metadata session.Metadata
	feedback []session.Feedback
	agents   map[string]*memAgent
}

type memAgent struct {
	data     session.AgentData
	messages []session.Message
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*memSession)}
}

func (s *memStore) takeErr() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *memStore) CreateSession(ctx context.Context, id, sessionType string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return session.Session{}, err
	}
	if _, ok := s.sessions[id]; ok {
		return session.Session{}, session.ErrSessionExists
	}
	now := time.Now().UTC()
	sess := session.Session{ID: id, Type: sessionType, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = &memSession{
		session:  sess,
		metadata: session.Metadata{},
		agents:   make(map[string]*memAgent),
	}
	return sess, nil
}

func (s *memStore) ReadSession(ctx context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess.session, nil
}

func (s *memStore) CreateAgent(ctx context.Context, sessionID string, data session.AgentData) (session.AgentData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.AgentData{}, session.ErrSessionNotFound
	}
	if existing, ok := sess.agents[data.AgentID]; ok {
		return existing.data, nil
	}
	now := time.Now().UTC()
	data.CreatedAt = now
	data.UpdatedAt = now
	sess.agents[data.AgentID] = &memAgent{data: data}
	return data, nil
}

func (s *memStore) ReadAgent(ctx context.Context, sessionID, agentID string) (session.AgentData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.AgentData{}, session.ErrSessionNotFound
	}
	agent, ok := sess.agents[agentID]
	if !ok {
		return session.AgentData{}, session.ErrAgentNotFound
	}
	return agent.data, nil
}

func (s *memStore) UpdateAgent(ctx context.Context, sessionID, agentID string, update session.AgentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	agent, ok := sess.agents[agentID]
	if !ok {
		return session.ErrAgentNotFound
	}
	if update.Model != nil {
		agent.data.Model = *update.Model
	}
	if update.SystemPrompt != nil {
		agent.data.SystemPrompt = *update.SystemPrompt
	}
	agent.data.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) CreateMessage(ctx context.Context, sessionID, agentID string, msg session.Message) (session.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return session.Message{}, err
	}
	agent, err := s.agent(sessionID, agentID)
	if err != nil {
		return session.Message{}, err
	}
	now := time.Now().UTC()
	msg.ID = len(agent.messages) + 1
	msg.CreatedAt = now
	msg.UpdatedAt = now
	msg.Metrics = nil
	agent.messages = append(agent.messages, msg)
	return msg, nil
}

func (s *memStore) ReadMessage(ctx context.Context, sessionID, agentID string, messageID int) (session.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, err := s.agent(sessionID, agentID)
	if err != nil {
		return session.Message{}, err
	}
	if messageID < 1 || messageID > len(agent.messages) {
		return session.Message{}, session.ErrMessageNotFound
	}
	msg := agent.messages[messageID-1]
	msg.Metrics = nil
	return msg, nil
}

func (s *memStore) UpdateMessage(ctx context.Context, sessionID, agentID string, msg session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, err := s.agent(sessionID, agentID)
	if err != nil {
		return err
	}
	if msg.ID < 1 || msg.ID > len(agent.messages) {
		return session.ErrMessageNotFound
	}
	agent.messages[msg.ID-1].Content = msg.Content
	agent.messages[msg.ID-1].UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) ListMessages(ctx context.Context, sessionID, agentID string, page session.Page) ([]session.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, err := s.agent(sessionID, agentID)
	if err != nil {
		return nil, err
	}
	msgs := agent.messages
	if page.Offset > 0 {
		if page.Offset >= len(msgs) {
			return []session.Message{}, nil
		}
		msgs = msgs[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(msgs) {
		msgs = msgs[:page.Limit]
	}
	out := make([]session.Message, len(msgs))
	for i, m := range msgs {
		m.Metrics = nil
		out[i] = m
	}
	return out, nil
}

func (s *memStore) AttachMessageMetrics(ctx context.Context, sessionID, agentID string, metrics session.EventLoopMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, err := s.agent(sessionID, agentID)
	if err != nil {
		return err
	}
	for i := len(agent.messages) - 1; i >= 0; i-- {
		if agent.messages[i].Role == session.RoleAssistant {
			m := metrics
			agent.messages[i].Metrics = &m
			return nil
		}
	}
	return nil
}

func (s *memStore) UpdateMetadata(ctx context.Context, sessionID string, fields session.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	for k, v := range fields {
		sess.metadata[k] = v
	}
	return nil
}

func (s *memStore) GetMetadata(ctx context.Context, sessionID string) (session.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	out := make(session.Metadata, len(sess.metadata))
	for k, v := range sess.metadata {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) DeleteMetadata(ctx context.Context, sessionID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	for _, k := range keys {
		delete(sess.metadata, k)
	}
	return nil
}

func (s *memStore) AddFeedback(ctx context.Context, sessionID string, fb session.Feedback) (session.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return session.Feedback{}, err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.Feedback{}, session.ErrSessionNotFound
	}
	fb.CreatedAt = time.Now().UTC()
	sess.feedback = append(sess.feedback, fb)
	return fb, nil
}

func (s *memStore) ListFeedbacks(ctx context.Context, sessionID string) ([]session.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return []session.Feedback{}, nil
	}
	return append([]session.Feedback(nil), sess.feedback...), nil
}

func (s *memStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *memStore) agent(sessionID, agentID string) (*memAgent, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, session.ErrSessionNotFound)
	}
	agent, ok := sess.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", agentID, session.ErrAgentNotFound)
	}
	return agent, nil
}

// stubAgent is a minimal session.AgentState.
type stubAgent struct {
	id      string
	model   string
	prompt  string
	metrics session.EventLoopMetrics
	history []session.Message
}

func (a *stubAgent) AgentID() string                   { return a.id }
func (a *stubAgent) Model() string                     { return a.model }
func (a *stubAgent) SystemPrompt() string              { return a.prompt }
func (a *stubAgent) Metrics() session.EventLoopMetrics { return a.metrics }
func (a *stubAgent) AppendHistory(msg session.Message) { a.history = append(a.history, msg) }
