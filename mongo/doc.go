// Package mongo provides the MongoDB-backed session store. Build a
// Repository from either a connection URI (the repository then owns the
// resulting client) or an existing driver client (never closed here), or
// share one pooled client across many repositories through Pool and the
// manager package's factory.
package mongo
