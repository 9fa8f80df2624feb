package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// updateRequest is the body of an update action: a partial document merged
// into the stored one, with optional upsert content when it is missing.
type updateRequest struct {
	Doc         map[string]interface{} `json:"doc"`
	DocAsUpsert bool                   `json:"doc_as_upsert"`
	Upsert      map[string]interface{} `json:"upsert"`
}

func parseUpdate(body json.RawMessage) (updateRequest, error) {
	var req updateRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid update body: %w", err)
	}
	if req.Doc == nil {
		return req, fmt.Errorf("update body requires a doc object")
	}
	return req, nil
}

// decodeDocument decodes a stored source keeping numbers as json.Number, so
// fields untouched by a merge are written back exactly.
func decodeDocument(source json.RawMessage) (map[string]interface{}, error) {
	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(source))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// upsertDocument returns the document to create when the target is missing,
// or nil when the update must fail as not found.
func (u updateRequest) upsertDocument() map[string]interface{} {
	switch {
	case u.DocAsUpsert:
		return u.Doc
	case u.Upsert != nil:
		return u.Upsert
	default:
		return nil
	}
}

// mergeDocument merges patch into dst recursively: nested objects merge,
// every other value replaces the existing one.
func mergeDocument(dst, patch map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		if pm, ok := v.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				dst[k] = mergeDocument(dm, pm)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}
