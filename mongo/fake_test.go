package mongo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// fakeSessions is an in-process collection implementing exactly the filter,
// update and projection shapes the repository emits.
type fakeSessions struct {
	mu        sync.Mutex
	docs      map[string]sessionDocument
	indexKeys []string
	indexErr  error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{docs: make(map[string]sessionDocument)}
}

func newTestRepo(fake *fakeSessions) *Repository {
	repo, err := newRepositoryWithCollection(BorrowConn(nil), fake, time.Second)
	if err != nil {
		panic(err)
	}
	return repo
}

func (c *fakeSessions) get(id string) (sessionDocument, bool) {
	doc, ok := c.docs[id]
	if !ok {
		return sessionDocument{}, false
	}
	return copyDoc(doc), true
}

func copyDoc(doc sessionDocument) sessionDocument {
	out := doc
	out.Metadata = make(map[string]any, len(doc.Metadata))
	for k, v := range doc.Metadata {
		out.Metadata[k] = v
	}
	out.Feedbacks = append([]feedbackDocument(nil), doc.Feedbacks...)
	out.Agents = make(map[string]agentDocument, len(doc.Agents))
	for id, agent := range doc.Agents {
		agentCopy := agent
		agentCopy.Messages = append([]messageDocument(nil), agent.Messages...)
		out.Agents[id] = agentCopy
	}
	return out
}

func (c *fakeSessions) InsertOne(ctx context.Context, document any,
	opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(sessionDocument)
	if _, ok := c.docs[doc.ID]; ok {
		return nil, mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000}}}
	}
	c.docs[doc.ID] = copyDoc(doc)
	return &mongodriver.InsertOneResult{InsertedID: doc.ID}, nil
}

func (c *fakeSessions) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["_id"].(string)
	doc, ok := c.get(id)
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	applyElemMatch(&doc, opts...)
	return fakeSingleResult{doc: &doc}
}

// applyElemMatch narrows an agent's message array per an $elemMatch
// projection. Other projections are ignored: the fake always returns full
// documents, which the repository's decode targets tolerate.
func applyElemMatch(doc *sessionDocument, opts ...*options.FindOneOptions) {
	if len(opts) == 0 || opts[0] == nil || opts[0].Projection == nil {
		return
	}
	projection, ok := opts[0].Projection.(bson.M)
	if !ok {
		return
	}
	for key, value := range projection {
		spec, ok := value.(bson.M)
		if !ok {
			continue
		}
		match, ok := spec["$elemMatch"].(bson.M)
		if !ok {
			continue
		}
		agentID, ok := messagesAgentID(key)
		if !ok {
			continue
		}
		agent, ok := doc.Agents[agentID]
		if !ok {
			continue
		}
		wantID := match["message_id"].(int)
		var matched []messageDocument
		for _, m := range agent.Messages {
			if m.MessageID == wantID {
				matched = append(matched, m)
				break
			}
		}
		agent.Messages = matched
		doc.Agents[agentID] = agent
	}
}

func (c *fakeSessions) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	id := f["_id"].(string)
	doc, ok := c.docs[id]
	if !ok || !matchFilter(doc, f) {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}

	// The repository's only pipeline update is the message append: derive
	// the next id from the stored array size, like the server would.
	pipeline := update.(mongodriver.Pipeline)
	set := pipeline[0][0].Value.(bson.M)
	var agentID string
	var appended bson.M
	for key, value := range set {
		aid, ok := messagesAgentID(key)
		if !ok {
			return fakeSingleResult{err: errors.New("unsupported pipeline path")}
		}
		agentID = aid
		concat := value.(bson.M)["$concatArrays"].(bson.A)
		appended = concat[1].(bson.A)[0].(bson.M)
	}
	agent := doc.Agents[agentID]
	msg := messageDocument{
		MessageID: len(agent.Messages) + 1,
		Role:      appended["role"].(string),
		Content:   appended["content"],
		CreatedAt: appended["created_at"].(time.Time),
		UpdatedAt: appended["updated_at"].(time.Time),
	}
	agent.Messages = append(agent.Messages, msg)
	doc.Agents[agentID] = agent
	c.docs[id] = doc

	// ReturnDocument(After) with a $slice: -1 projection: last message only.
	out := copyDoc(doc)
	agentOut := out.Agents[agentID]
	agentOut.Messages = []messageDocument{msg}
	out.Agents[agentID] = agentOut
	return fakeSingleResult{doc: &out}
}

func (c *fakeSessions) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	id := f["_id"].(string)
	doc, ok := c.docs[id]
	if !ok || !matchFilter(doc, f) {
		return &mongodriver.UpdateResult{}, nil
	}

	up := update.(bson.M)
	if set, ok := up["$set"].(bson.M); ok {
		for key, value := range set {
			if err := applySet(&doc, key, value, opts...); err != nil {
				return nil, err
			}
		}
	}
	if unset, ok := up["$unset"].(bson.M); ok {
		for key := range unset {
			rest, ok := strings.CutPrefix(key, "metadata.")
			if !ok {
				return nil, errors.New("unsupported $unset path: " + key)
			}
			delete(doc.Metadata, rest)
		}
	}
	if push, ok := up["$push"].(bson.M); ok {
		fb, ok := push["feedbacks"].(feedbackDocument)
		if !ok {
			return nil, errors.New("unsupported $push payload")
		}
		doc.Feedbacks = append(doc.Feedbacks, fb)
	}
	c.docs[id] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func applySet(doc *sessionDocument, key string, value any, opts ...*options.UpdateOptions) error {
	switch {
	case key == "updated_at":
		doc.UpdatedAt = value.(time.Time)
		return nil
	case strings.HasPrefix(key, "metadata."):
		if doc.Metadata == nil {
			doc.Metadata = map[string]any{}
		}
		doc.Metadata[strings.TrimPrefix(key, "metadata.")] = value
		return nil
	case strings.HasPrefix(key, "agents."):
		rest := strings.TrimPrefix(key, "agents.")
		agentID, field, hasField := strings.Cut(rest, ".")
		if doc.Agents == nil {
			doc.Agents = map[string]agentDocument{}
		}
		if !hasField {
			doc.Agents[agentID] = value.(agentDocument)
			return nil
		}
		agent := doc.Agents[agentID]
		switch {
		case field == "updated_at":
			agent.UpdatedAt = value.(time.Time)
		case field == "agent_data.updated_at":
			agent.AgentData.UpdatedAt = value.(time.Time)
		case field == "agent_data.model":
			agent.AgentData.Model = value.(string)
		case field == "agent_data.system_prompt":
			agent.AgentData.SystemPrompt = value.(string)
		case strings.HasPrefix(field, "messages.$[m]."):
			target := arrayFilterID(opts...)
			attr := strings.TrimPrefix(field, "messages.$[m].")
			for i, m := range agent.Messages {
				if m.MessageID != target {
					continue
				}
				switch attr {
				case "content":
					agent.Messages[i].Content = value
				case "updated_at":
					agent.Messages[i].UpdatedAt = value.(time.Time)
				case "event_loop_metrics":
					metrics := value.(metricsDocument)
					agent.Messages[i].Metrics = &metrics
				default:
					return errors.New("unsupported message attribute: " + attr)
				}
			}
		default:
			return errors.New("unsupported agent field: " + field)
		}
		doc.Agents[agentID] = agent
		return nil
	}
	return errors.New("unsupported $set path: " + key)
}

func arrayFilterID(opts ...*options.UpdateOptions) int {
	for _, opt := range opts {
		if opt == nil || opt.ArrayFilters == nil {
			continue
		}
		for _, raw := range opt.ArrayFilters.Filters {
			if f, ok := raw.(bson.M); ok {
				if id, ok := f["m.message_id"].(int); ok {
					return id
				}
			}
		}
	}
	return 0
}

func matchFilter(doc sessionDocument, filter bson.M) bool {
	for key, value := range filter {
		switch {
		case key == "_id":
			// resolved by the caller's map lookup
		case strings.HasSuffix(key, ".message_id"):
			agentID, _ := messagesAgentID(strings.TrimSuffix(key, ".message_id"))
			found := false
			for _, m := range doc.Agents[agentID].Messages {
				if m.MessageID == value.(int) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case strings.HasPrefix(key, "agents."):
			spec := value.(bson.M)
			if _, ok := doc.Agents[strings.TrimPrefix(key, "agents.")]; ok != spec["$exists"].(bool) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// messagesAgentID extracts the agent from an "agents.<id>.messages" path.
func messagesAgentID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "agents.")
	if !ok {
		return "", false
	}
	agentID, ok := strings.CutSuffix(rest, ".messages")
	if !ok || strings.Contains(agentID, ".") {
		return "", false
	}
	return agentID, true
}

func (c *fakeSessions) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	var matched []sessionDocument
	for _, doc := range c.docs {
		if evalSearchFilter(doc, f) {
			matched = append(matched, copyDoc(doc))
		}
	}
	descending := false
	limit := 0
	if len(opts) > 0 && opts[0] != nil {
		if sortDoc, ok := opts[0].Sort.(bson.D); ok && len(sortDoc) > 0 {
			descending = sortDoc[0].Value.(int) < 0
		}
		if opts[0].Limit != nil {
			limit = int(*opts[0].Limit)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if descending {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if descending {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	docs := make([]any, len(matched))
	for i := range matched {
		docs[i] = &matched[i]
	}
	return newFakeCursor(docs), nil
}

func evalSearchFilter(doc sessionDocument, filter bson.M) bool {
	for key, value := range filter {
		switch {
		case key == "session_type":
			in := value.(bson.M)["$in"].([]string)
			found := false
			for _, t := range in {
				if doc.SessionType == t {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case strings.HasPrefix(key, "metadata."):
			if doc.Metadata[strings.TrimPrefix(key, "metadata.")] != value {
				return false
			}
		case key == "created_at" || key == "updated_at":
			ts := doc.CreatedAt
			if key == "updated_at" {
				ts = doc.UpdatedAt
			}
			if !inRange(ts, value) {
				return false
			}
		case key == "$or":
			any := false
			for _, sub := range value.([]bson.M) {
				if evalCursorClause(doc, sub) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func inRange(ts time.Time, value any) bool {
	rng, ok := value.(bson.M)
	if !ok {
		return false
	}
	if from, ok := rng["$gte"].(time.Time); ok && ts.Before(from) {
		return false
	}
	if to, ok := rng["$lte"].(time.Time); ok && ts.After(to) {
		return false
	}
	return true
}

func evalCursorClause(doc sessionDocument, clause bson.M) bool {
	for key, value := range clause {
		switch key {
		case "created_at":
			if cmp, ok := value.(bson.M); ok {
				if at, ok := cmp["$gt"].(time.Time); ok {
					if !doc.CreatedAt.After(at) {
						return false
					}
					continue
				}
				if at, ok := cmp["$lt"].(time.Time); ok {
					if !doc.CreatedAt.Before(at) {
						return false
					}
					continue
				}
				return false
			}
			if !doc.CreatedAt.Equal(value.(time.Time)) {
				return false
			}
		case "_id":
			cmp := value.(bson.M)
			if id, ok := cmp["$gt"].(string); ok {
				if doc.ID <= id {
					return false
				}
				continue
			}
			if id, ok := cmp["$lt"].(string); ok {
				if doc.ID >= id {
					return false
				}
				continue
			}
			return false
		default:
			return false
		}
	}
	return true
}

func (c *fakeSessions) Indexes() indexView {
	return fakeIndexView{parent: c}
}

type fakeIndexView struct {
	parent *fakeSessions
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	if v.parent.indexErr != nil {
		return "", v.parent.indexErr
	}
	keys := model.Keys.(bson.D)
	if len(keys) == 0 {
		return "", errors.New("missing keys")
	}
	v.parent.indexKeys = append(v.parent.indexKeys, keys[0].Key)
	return keys[0].Key + "_1", nil
}

type fakeSingleResult struct {
	doc *sessionDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*(val.(*sessionDocument)) = *r.doc
	return nil
}

type fakeCursor struct {
	docs []any
	idx  int
}

func newFakeCursor(docs []any) *fakeCursor {
	return &fakeCursor{docs: docs, idx: -1}
}

func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return errors.New("no document")
	}
	*(val.(*sessionDocument)) = *(c.docs[c.idx].(*sessionDocument))
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(ctx context.Context) bool {
	next := c.idx + 1
	if next >= len(c.docs) {
		return false
	}
	c.idx = next
	return true
}
