package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/sessiondoc/sessiondoc/session"
)

const (
	defaultDatabase   = "sessiondoc"
	defaultCollection = "sessions"
	defaultOpTimeout  = 5 * time.Second
	repositoryName    = "sessiondoc-mongo"
)

type (
	// RepositoryOptions configures a Repository. Exactly one of Client and
	// URI selects the connection: a caller-supplied Client is borrowed and
	// never closed here and takes priority; a URI makes the repository
	// connect on its own and own the resulting client.
	RepositoryOptions struct {
		// Client is an existing driver client to borrow.
		Client *mongodriver.Client
		// URI is the connection string used when Client is nil.
		URI string
		// Tuning adjusts the client built from URI. Its URI field is ignored.
		Tuning PoolOptions
		// Database holds the session collection. Defaults to "sessiondoc".
		Database string
		// Collection names the session collection. Defaults to "sessions".
		Collection string
		// MetadataIndexes lists metadata field names to maintain secondary
		// indexes for, keeping metadata-filtered searches efficient.
		MetadataIndexes []string
		// Timeout bounds individual store operations. Defaults to 5 seconds.
		Timeout time.Duration
		// DisableIndexBootstrap skips index creation at construction. Used
		// by the factory, which bootstraps indexes once for all managers.
		DisableIndexBootstrap bool
	}

	// Repository is the MongoDB data-access layer. Every operation targets
	// exactly one session document and is expressed as an atomic field-level
	// update, never as a read-modify-write of the whole document, so
	// concurrent callers touching different fields of the same session do
	// not lose each other's writes.
	Repository struct {
		conn     *Conn
		sessions collection
		timeout  time.Duration
	}
)

var _ session.Store = (*Repository)(nil)
var _ health.Pinger = (*Repository)(nil)

// NewRepository builds a Repository per opts. The URI path probes the store
// and fails when it is unreachable; the Client path performs no network
// round-trip. Index creation failures are logged and never fail construction.
func NewRepository(ctx context.Context, opts RepositoryOptions) (*Repository, error) {
	var conn *Conn
	switch {
	case opts.Client != nil:
		conn = BorrowConn(opts.Client)
	case opts.URI != "":
		tuning := opts.Tuning
		tuning.URI = opts.URI
		params := resolvePoolParams(tuning)
		client, err := mongodriver.Connect(ctx, clientOptions(params))
		if err != nil {
			return nil, fmt.Errorf("connect: %w: %v", session.ErrStoreUnavailable, err)
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("ping: %w: %v", session.ErrStoreUnavailable, err)
		}
		conn = OwnConn(client)
	default:
		return nil, errors.New("either a client or a connection URI is required")
	}

	database := opts.Database
	if database == "" {
		database = defaultDatabase
	}
	collectionName := opts.Collection
	if collectionName == "" {
		collectionName = defaultCollection
	}
	coll := mongoCollection{coll: conn.Client().Database(database).Collection(collectionName)}

	repo, err := newRepositoryWithCollection(conn, coll, opts.Timeout)
	if err != nil {
		return nil, err
	}
	if !opts.DisableIndexBootstrap {
		ensureIndexes(ctx, coll, opts.MetadataIndexes)
	}
	return repo, nil
}

func newRepositoryWithCollection(conn *Conn, coll collection, timeout time.Duration) (*Repository, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Repository{conn: conn, sessions: coll, timeout: timeout}, nil
}

// ensureIndexes maintains the secondary indexes used by session search.
// Failures are logged and swallowed: a missing index degrades search
// performance, it does not break correctness.
func ensureIndexes(ctx context.Context, coll collection, metadataFields []string) {
	keys := []string{"created_at", "updated_at"}
	for _, field := range metadataFields {
		if field == "" {
			continue
		}
		keys = append(keys, "metadata."+field)
	}
	for _, key := range keys {
		model := mongodriver.IndexModel{Keys: bson.D{{Key: key, Value: 1}}}
		if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "create index"}, log.KV{K: "key", V: key}, log.KV{K: "err", V: err.Error()})
		}
	}
}

// Name implements health.Pinger.
func (r *Repository) Name() string {
	return repositoryName
}

// Ping implements health.Pinger.
func (r *Repository) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.conn.Client().Ping(ctx, readpref.Primary())
}

// Close releases the connection when this repository owns it. Idempotent.
func (r *Repository) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}

// CreateSession inserts a new empty session document.
func (r *Repository) CreateSession(ctx context.Context, id, sessionType string) (session.Session, error) {
	if err := validateSessionID(id); err != nil {
		return session.Session{}, err
	}
	now := time.Now().UTC()
	doc := sessionDocument{
		ID:          id,
		SessionID:   id,
		SessionType: sessionType,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    map[string]any{},
		Feedbacks:   []feedbackDocument{},
		Agents:      map[string]agentDocument{},
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if _, err := r.sessions.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return session.Session{}, fmt.Errorf("create session %q: %w", id, session.ErrSessionExists)
		}
		return session.Session{}, r.wrapErr("create session", err)
	}
	return doc.toSession(), nil
}

// ReadSession loads the top-level session record without agents.
func (r *Repository) ReadSession(ctx context.Context, id string) (session.Session, error) {
	if err := validateSessionID(id); err != nil {
		return session.Session{}, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	projection := bson.M{"agents": 0}
	var doc sessionDocument
	err := r.sessions.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(projection)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, fmt.Errorf("read session %q: %w", id, session.ErrSessionNotFound)
		}
		return session.Session{}, r.wrapErr("read session", err)
	}
	return doc.toSession(), nil
}

// CreateAgent stores the agent's configuration and empty message list.
// Creating an agent that already exists is a no-op returning the stored
// configuration; the agent's messages and CreatedAt are never rewritten.
func (r *Repository) CreateAgent(ctx context.Context, sessionID string, data session.AgentData) (session.AgentData, error) {
	if err := validateSessionID(sessionID); err != nil {
		return session.AgentData{}, err
	}
	if err := validateAgentID(data.AgentID); err != nil {
		return session.AgentData{}, err
	}
	now := time.Now().UTC()
	doc := agentDocument{
		AgentData: agentDataDocument{
			AgentID:      data.AgentID,
			Model:        data.Model,
			SystemPrompt: data.SystemPrompt,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []messageDocument{},
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	// The $exists guard keeps the create idempotent: a second create must
	// never replace the agent's message history or its write-once created_at.
	filter := bson.M{"_id": sessionID, agentPath(data.AgentID): bson.M{"$exists": false}}
	update := bson.M{"$set": bson.M{agentPath(data.AgentID): doc}}
	res, err := r.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return session.AgentData{}, r.wrapErr("create agent", err)
	}
	if res.MatchedCount == 0 {
		existing, rerr := r.ReadAgent(ctx, sessionID, data.AgentID)
		if rerr == nil {
			return existing, nil
		}
		if errors.Is(rerr, session.ErrSessionNotFound) {
			return session.AgentData{}, fmt.Errorf("create agent %q: %w", data.AgentID, session.ErrSessionNotFound)
		}
		return session.AgentData{}, rerr
	}
	return doc.AgentData.toAgentData(), nil
}

// ReadAgent loads the agent's configuration.
func (r *Repository) ReadAgent(ctx context.Context, sessionID, agentID string) (session.AgentData, error) {
	if err := validateSessionID(sessionID); err != nil {
		return session.AgentData{}, err
	}
	if err := validateAgentID(agentID); err != nil {
		return session.AgentData{}, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	projection := bson.M{
		agentPath(agentID) + ".agent_data": 1,
		agentPath(agentID) + ".created_at": 1,
		agentPath(agentID) + ".updated_at": 1,
	}
	var doc sessionDocument
	err := r.sessions.FindOne(ctx, bson.M{"_id": sessionID}, options.FindOne().SetProjection(projection)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.AgentData{}, fmt.Errorf("read agent %q: %w", agentID, session.ErrSessionNotFound)
		}
		return session.AgentData{}, r.wrapErr("read agent", err)
	}
	agent, ok := doc.Agents[agentID]
	if !ok {
		return session.AgentData{}, fmt.Errorf("read agent %q: %w", agentID, session.ErrAgentNotFound)
	}
	return agent.AgentData.toAgentData(), nil
}

// UpdateAgent applies a partial configuration change. The agent's CreatedAt
// is untouched; only its UpdatedAt and the supplied fields are rewritten.
func (r *Repository) UpdateAgent(ctx context.Context, sessionID, agentID string, update session.AgentUpdate) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateAgentID(agentID); err != nil {
		return err
	}
	now := time.Now().UTC()
	set := bson.M{
		agentPath(agentID) + ".updated_at":            now,
		agentPath(agentID) + ".agent_data.updated_at": now,
	}
	if update.Model != nil {
		set[agentPath(agentID)+".agent_data.model"] = *update.Model
	}
	if update.SystemPrompt != nil {
		set[agentPath(agentID)+".agent_data.system_prompt"] = *update.SystemPrompt
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": sessionID, agentPath(agentID): bson.M{"$exists": true}}
	res, err := r.sessions.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return r.wrapErr("update agent", err)
	}
	if res.MatchedCount == 0 {
		return r.classifyMissing(ctx, "update agent", sessionID, agentID, nil)
	}
	return nil
}

// CreateMessage appends a message, deriving the next message ID from the
// stored array size inside a single pipeline update so concurrent appends on
// the same agent can never assign duplicate IDs.
func (r *Repository) CreateMessage(ctx context.Context, sessionID, agentID string, msg session.Message) (session.Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return session.Message{}, err
	}
	if err := validateAgentID(agentID); err != nil {
		return session.Message{}, err
	}
	if !msg.Role.Valid() {
		return session.Message{}, fmt.Errorf("invalid role %q", msg.Role)
	}
	now := time.Now().UTC()
	path := messagesPath(agentID)
	current := bson.M{"$ifNull": bson.A{"$" + path, bson.A{}}}
	appended := bson.M{
		"message_id": bson.M{"$add": bson.A{bson.M{"$size": current}, 1}},
		"role":       string(msg.Role),
		"content":    msg.Content,
		"created_at": now,
		"updated_at": now,
	}
	pipeline := mongodriver.Pipeline{
		{{Key: "$set", Value: bson.M{
			path: bson.M{"$concatArrays": bson.A{current, bson.A{appended}}},
		}}},
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": sessionID, agentPath(agentID): bson.M{"$exists": true}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{path: bson.M{"$slice": -1}})
	var doc sessionDocument
	if err := r.sessions.FindOneAndUpdate(ctx, filter, pipeline, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Message{}, r.classifyMissing(ctx, "create message", sessionID, agentID, nil)
		}
		return session.Message{}, r.wrapErr("create message", err)
	}
	messages := doc.Agents[agentID].Messages
	if len(messages) == 0 {
		return session.Message{}, r.wrapErr("create message", errors.New("stored message missing from result"))
	}
	return messages[len(messages)-1].toMessage(), nil
}

// ReadMessage loads one message by ID. Metrics never leave storage on reads.
func (r *Repository) ReadMessage(ctx context.Context, sessionID, agentID string, messageID int) (session.Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return session.Message{}, err
	}
	if err := validateAgentID(agentID); err != nil {
		return session.Message{}, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	projection := bson.M{
		messagesPath(agentID):              bson.M{"$elemMatch": bson.M{"message_id": messageID}},
		agentPath(agentID) + ".created_at": 1,
	}
	var doc sessionDocument
	err := r.sessions.FindOne(ctx, bson.M{"_id": sessionID}, options.FindOne().SetProjection(projection)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Message{}, fmt.Errorf("read message %d: %w", messageID, session.ErrSessionNotFound)
		}
		return session.Message{}, r.wrapErr("read message", err)
	}
	agent, ok := doc.Agents[agentID]
	if !ok {
		return session.Message{}, fmt.Errorf("read message %d: %w", messageID, session.ErrAgentNotFound)
	}
	if len(agent.Messages) == 0 {
		return session.Message{}, fmt.Errorf("read message %d: %w", messageID, session.ErrMessageNotFound)
	}
	return agent.Messages[0].toMessage(), nil
}

// UpdateMessage replaces the content of the message with msg.ID, preserving
// its CreatedAt. This is the redaction path.
func (r *Repository) UpdateMessage(ctx context.Context, sessionID, agentID string, msg session.Message) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateAgentID(agentID); err != nil {
		return err
	}
	if msg.ID < 1 {
		return fmt.Errorf("message id %d: %w", msg.ID, session.ErrMessageNotFound)
	}
	now := time.Now().UTC()
	path := messagesPath(agentID)
	set := bson.M{
		path + ".$[m].content":    msg.Content,
		path + ".$[m].updated_at": now,
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": sessionID, path + ".message_id": msg.ID}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []any{bson.M{"m.message_id": msg.ID}},
	})
	res, err := r.sessions.UpdateOne(ctx, filter, bson.M{"$set": set}, opts)
	if err != nil {
		return r.wrapErr("update message", err)
	}
	if res.MatchedCount == 0 {
		return r.classifyMissing(ctx, "update message", sessionID, agentID, &msg.ID)
	}
	return nil
}

// ListMessages returns the agent's messages in ascending ID order, honoring
// the page bounds. Metrics are stripped.
func (r *Repository) ListMessages(ctx context.Context, sessionID, agentID string, page session.Page) ([]session.Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	projection := bson.M{
		messagesPath(agentID):              1,
		agentPath(agentID) + ".created_at": 1,
	}
	var doc sessionDocument
	err := r.sessions.FindOne(ctx, bson.M{"_id": sessionID}, options.FindOne().SetProjection(projection)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("list messages: %w", session.ErrSessionNotFound)
		}
		return nil, r.wrapErr("list messages", err)
	}
	agent, ok := doc.Agents[agentID]
	if !ok {
		return nil, fmt.Errorf("list messages: %w", session.ErrAgentNotFound)
	}
	stored := agent.Messages
	if page.Offset > 0 {
		if page.Offset >= len(stored) {
			return []session.Message{}, nil
		}
		stored = stored[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(stored) {
		stored = stored[:page.Limit]
	}
	out := make([]session.Message, len(stored))
	for i, m := range stored {
		out[i] = m.toMessage()
	}
	return out, nil
}

// AttachMessageMetrics overwrites the event-loop metrics of the most recently
// appended assistant message. The message content and timestamps are left
// untouched. No-op when the agent has no assistant message yet.
func (r *Repository) AttachMessageMetrics(ctx context.Context, sessionID, agentID string, metrics session.EventLoopMetrics) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateAgentID(agentID); err != nil {
		return err
	}
	path := messagesPath(agentID)

	readCtx, cancel := r.withTimeout(ctx)
	projection := bson.M{
		path + ".message_id":               1,
		path + ".role":                     1,
		agentPath(agentID) + ".created_at": 1,
	}
	var doc sessionDocument
	err := r.sessions.FindOne(readCtx, bson.M{"_id": sessionID}, options.FindOne().SetProjection(projection)).Decode(&doc)
	cancel()
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return fmt.Errorf("attach metrics: %w", session.ErrSessionNotFound)
		}
		return r.wrapErr("attach metrics", err)
	}
	agent, ok := doc.Agents[agentID]
	if !ok {
		return fmt.Errorf("attach metrics: %w", session.ErrAgentNotFound)
	}
	target := 0
	for _, m := range agent.Messages {
		if m.Role == string(session.RoleAssistant) && m.MessageID > target {
			target = m.MessageID
		}
	}
	if target == 0 {
		return nil
	}

	ctx, cancel = r.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{path + ".$[m].event_loop_metrics": fromMetrics(metrics)}}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []any{bson.M{"m.message_id": target}},
	})
	if _, err := r.sessions.UpdateOne(ctx, bson.M{"_id": sessionID}, update, opts); err != nil {
		return r.wrapErr("attach metrics", err)
	}
	return nil
}

// UpdateMetadata merges fields into the session metadata. Fields not named
// in the call are preserved; concurrent updates to disjoint fields both land.
func (r *Repository) UpdateMetadata(ctx context.Context, sessionID string, fields session.Metadata) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if len(fields) == 0 {
		return r.requireSession(ctx, "update metadata", sessionID)
	}
	set := bson.M{"updated_at": time.Now().UTC()}
	for key, value := range fields {
		if err := validateMetadataKey(key); err != nil {
			return err
		}
		set["metadata."+key] = value
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	res, err := r.sessions.UpdateOne(ctx, bson.M{"_id": sessionID}, bson.M{"$set": set})
	if err != nil {
		return r.wrapErr("update metadata", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update metadata: %w", session.ErrSessionNotFound)
	}
	return nil
}

// GetMetadata returns the session's metadata map, empty when none is set.
func (r *Repository) GetMetadata(ctx context.Context, sessionID string) (session.Metadata, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	err := r.sessions.FindOne(ctx, bson.M{"_id": sessionID}, options.FindOne().SetProjection(bson.M{"metadata": 1})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("get metadata: %w", session.ErrSessionNotFound)
		}
		return nil, r.wrapErr("get metadata", err)
	}
	out := make(session.Metadata, len(doc.Metadata))
	for k, v := range doc.Metadata {
		out[k] = v
	}
	return out, nil
}

// DeleteMetadata unsets exactly the named fields. Absent keys are ignored.
func (r *Repository) DeleteMetadata(ctx context.Context, sessionID string, keys []string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if len(keys) == 0 {
		return r.requireSession(ctx, "delete metadata", sessionID)
	}
	unset := bson.M{}
	for _, key := range keys {
		if err := validateMetadataKey(key); err != nil {
			return err
		}
		unset["metadata."+key] = ""
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$unset": unset, "$set": bson.M{"updated_at": time.Now().UTC()}}
	res, err := r.sessions.UpdateOne(ctx, bson.M{"_id": sessionID}, update)
	if err != nil {
		return r.wrapErr("delete metadata", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("delete metadata: %w", session.ErrSessionNotFound)
	}
	return nil
}

// AddFeedback appends a feedback entry with a fresh timestamp and bumps the
// session's UpdatedAt.
func (r *Repository) AddFeedback(ctx context.Context, sessionID string, fb session.Feedback) (session.Feedback, error) {
	if err := validateSessionID(sessionID); err != nil {
		return session.Feedback{}, err
	}
	if !fb.Rating.Valid() {
		return session.Feedback{}, fmt.Errorf("invalid rating %q", fb.Rating)
	}
	now := time.Now().UTC()
	doc := feedbackDocument{
		Rating:    string(fb.Rating),
		Comment:   fb.Comment,
		CreatedAt: now,
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$push": bson.M{"feedbacks": doc},
		"$set":  bson.M{"updated_at": now},
	}
	res, err := r.sessions.UpdateOne(ctx, bson.M{"_id": sessionID}, update)
	if err != nil {
		return session.Feedback{}, r.wrapErr("add feedback", err)
	}
	if res.MatchedCount == 0 {
		return session.Feedback{}, fmt.Errorf("add feedback: %w", session.ErrSessionNotFound)
	}
	return doc.toFeedback(), nil
}

// ListFeedbacks returns the session's feedback in append order. An absent
// session yields an empty list.
func (r *Repository) ListFeedbacks(ctx context.Context, sessionID string) ([]session.Feedback, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	err := r.sessions.FindOne(ctx, bson.M{"_id": sessionID}, options.FindOne().SetProjection(bson.M{"feedbacks": 1})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return []session.Feedback{}, nil
		}
		return nil, r.wrapErr("list feedbacks", err)
	}
	out := make([]session.Feedback, len(doc.Feedbacks))
	for i, fb := range doc.Feedbacks {
		out[i] = fb.toFeedback()
	}
	return out, nil
}

// requireSession verifies the session document exists. Mutations whose
// payload is empty still resolve against a concrete session.
func (r *Repository) requireSession(ctx context.Context, op, sessionID string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	err := r.sessions.FindOne(ctx, bson.M{"_id": sessionID}, options.FindOne().SetProjection(bson.M{"_id": 1})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return fmt.Errorf("%s: %w", op, session.ErrSessionNotFound)
		}
		return r.wrapErr(op, err)
	}
	return nil
}

// classifyMissing resolves which sub-entity a zero-match update was missing.
func (r *Repository) classifyMissing(ctx context.Context, op, sessionID, agentID string, messageID *int) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	projection := bson.M{agentPath(agentID) + ".created_at": 1}
	var doc sessionDocument
	err := r.sessions.FindOne(ctx, bson.M{"_id": sessionID}, options.FindOne().SetProjection(projection)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return fmt.Errorf("%s: %w", op, session.ErrSessionNotFound)
		}
		return r.wrapErr(op, err)
	}
	if _, ok := doc.Agents[agentID]; !ok {
		return fmt.Errorf("%s: %w", op, session.ErrAgentNotFound)
	}
	if messageID != nil {
		return fmt.Errorf("%s %d: %w", op, *messageID, session.ErrMessageNotFound)
	}
	return fmt.Errorf("%s: %w", op, session.ErrAgentNotFound)
}

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Repository) wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || mongodriver.IsTimeout(err) || mongodriver.IsNetworkError(err) {
		return fmt.Errorf("%s: %w: %v", op, session.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func agentPath(agentID string) string {
	return "agents." + agentID
}

func messagesPath(agentID string) string {
	return agentPath(agentID) + ".messages"
}

func validateSessionID(id string) error {
	if id == "" {
		return errors.New("session id is required")
	}
	return nil
}

// validateAgentID rejects identifiers that cannot serve as document field
// names.
func validateAgentID(id string) error {
	if id == "" {
		return errors.New("agent id is required")
	}
	if strings.ContainsAny(id, ".$\x00") {
		return fmt.Errorf("agent id %q contains reserved characters", id)
	}
	return nil
}

// validateMetadataKey allows dotted keys (nested field paths) but rejects
// operator-like and malformed names.
func validateMetadataKey(key string) error {
	if key == "" {
		return errors.New("metadata key is required")
	}
	if strings.HasPrefix(key, "$") || strings.ContainsRune(key, '\x00') {
		return fmt.Errorf("metadata key %q is not a valid field path", key)
	}
	return nil
}
