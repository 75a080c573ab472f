package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sessiondoc/sessiondoc/session"
)

// NewMetadataValidator builds a metadata hook that validates the fields of
// every update against the given JSON schema before they reach storage.
// Rejected updates fail with session.ErrValidationFailed and are never
// persisted. Get and delete operations pass through untouched.
func NewMetadataValidator(schemaJSON []byte) (session.MetadataHook, error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("metadata.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("metadata.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return session.MetadataHookFunc(func(ctx context.Context, sessionID string, op session.MetadataOp, next session.MetadataNext) (session.Metadata, error) {
		update, ok := op.(session.MetadataUpdate)
		if !ok {
			return next(ctx, op)
		}
		// Round-trip through JSON so arbitrary Go values validate the same
		// way their stored representation would.
		raw, err := json.Marshal(update.Fields)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", session.ErrValidationFailed, err)
		}
		var fields any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", session.ErrValidationFailed, err)
		}
		if err := schema.Validate(fields); err != nil {
			return nil, fmt.Errorf("%w: %v", session.ErrValidationFailed, err)
		}
		return next(ctx, op)
	}), nil
}
