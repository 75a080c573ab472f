package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sessiondoc/sessiondoc/session"
)

const defaultSearchLimit = 50

type (
	// SessionQuery captures filters for session searches. Metadata filters
	// are exact-match on the indexed field paths declared at repository
	// construction.
	SessionQuery struct {
		// Types restricts results to the given session types.
		Types []string
		// Metadata filters on metadata field values, one equality per key.
		Metadata map[string]any
		// CreatedFrom/CreatedTo bound the creation timestamp.
		CreatedFrom *time.Time
		CreatedTo   *time.Time
		// UpdatedFrom/UpdatedTo bound the last-mutation timestamp.
		UpdatedFrom *time.Time
		UpdatedTo   *time.Time
		// Descending reverses the created_at ordering.
		Descending bool
		// Limit caps the page size. Defaults to 50.
		Limit int
		// Cursor resumes a previous search.
		Cursor *SessionCursor
	}

	// SessionCursor encodes pagination state for session searches.
	SessionCursor struct {
		CreatedAt time.Time
		ID        string
	}

	// SessionSearchResult wraps one page of sessions and the cursor for the
	// next one, nil when the result set is exhausted.
	SessionSearchResult struct {
		Sessions   []session.Session
		NextCursor *SessionCursor
	}
)

// SearchSessions returns session records matching the query, ordered by
// created_at with the document ID as tiebreaker.
func (r *Repository) SearchSessions(ctx context.Context, q SessionQuery) (SessionSearchResult, error) {
	filter := buildSessionFilter(q)
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	order := 1
	if q.Descending {
		order = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: order}, {Key: "_id", Value: order}}).
		SetLimit(limit).
		SetProjection(bson.M{"agents": 0})

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	cur, err := r.sessions.Find(ctx, filter, opts)
	if err != nil {
		return SessionSearchResult{}, r.wrapErr("search sessions", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var result SessionSearchResult
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return SessionSearchResult{}, r.wrapErr("search sessions", err)
		}
		result.Sessions = append(result.Sessions, doc.toSession())
	}
	if err := cur.Err(); err != nil {
		return SessionSearchResult{}, r.wrapErr("search sessions", err)
	}
	if len(result.Sessions) == int(limit) {
		last := result.Sessions[len(result.Sessions)-1]
		result.NextCursor = &SessionCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return result, nil
}

func buildSessionFilter(q SessionQuery) bson.M {
	filter := bson.M{}
	if len(q.Types) > 0 {
		filter["session_type"] = bson.M{"$in": q.Types}
	}
	for key, value := range q.Metadata {
		filter["metadata."+key] = value
	}
	addRange := func(field string, from, to *time.Time) {
		if from == nil && to == nil {
			return
		}
		rng := bson.M{}
		if from != nil {
			rng["$gte"] = *from
		}
		if to != nil {
			rng["$lte"] = *to
		}
		filter[field] = rng
	}
	addRange("created_at", q.CreatedFrom, q.CreatedTo)
	addRange("updated_at", q.UpdatedFrom, q.UpdatedTo)
	if cursor := q.Cursor; cursor != nil && cursor.ID != "" {
		cmp := "$gt"
		if q.Descending {
			cmp = "$lt"
		}
		filter["$or"] = []bson.M{
			{"created_at": bson.M{cmp: cursor.CreatedAt}},
			{"created_at": cursor.CreatedAt, "_id": bson.M{cmp: cursor.ID}},
		}
	}
	return filter
}
