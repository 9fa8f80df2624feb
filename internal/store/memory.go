package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"river/internal/bulk"
	"river/internal/constants"
	"river/pkg/metrics"
)

type docKey struct {
	index, typ, id string
}

type storedDoc struct {
	version int64
	source  json.RawMessage
}

// MemoryStore keeps documents in a map and applies operations sequentially
// under one lock, following the same per-item rules as the real stores.
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[docKey]storedDoc
	failNext  []error
	bulkCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[docKey]storedDoc)}
}

// FailNext queues whole-request errors returned by the next Bulk calls,
// one per call, before any operation is applied.
func (s *MemoryStore) FailNext(errs ...error) {
	s.mu.Lock()
	s.failNext = append(s.failNext, errs...)
	s.mu.Unlock()
}

// BulkCalls returns how many Bulk requests reached the store.
func (s *MemoryStore) BulkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkCalls
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *MemoryStore) Bulk(ctx context.Context, batch bulk.Batch) (*BulkResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bulkCalls++
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		metrics.ObserveStoreRequest(constants.StoreTypeMemory, "bulk", constants.StatusError, time.Since(start))
		return nil, err
	}

	resp := &BulkResponse{Items: make([]ItemResult, 0, batch.Len())}
	for _, op := range batch.Operations {
		status, reason := s.apply(op)
		resp.Items = append(resp.Items, newItem(op, status, itemError(op, status, reason)))
	}
	resp.Took = time.Since(start)

	metrics.ObserveStoreRequest(constants.StoreTypeMemory, "bulk", constants.StatusOK, resp.Took)
	return resp, nil
}

func (s *MemoryStore) apply(op bulk.Operation) (int, string) {
	key := docKey{op.Index, op.Type, op.ID}
	current, exists := s.docs[key]

	if reason, ok := checkVersion(op, current, exists); !ok {
		return http.StatusConflict, reason
	}

	switch op.Action {
	case bulk.ActionIndex:
		s.docs[key] = storedDoc{version: nextVersion(op, current), source: op.Body}
		if exists {
			return http.StatusOK, ""
		}
		return http.StatusCreated, ""

	case bulk.ActionCreate:
		if exists {
			return http.StatusConflict, fmt.Sprintf("document %s already exists", op.ID)
		}
		s.docs[key] = storedDoc{version: nextVersion(op, current), source: op.Body}
		return http.StatusCreated, ""

	case bulk.ActionDelete:
		if !exists {
			return http.StatusNotFound, "document missing"
		}
		delete(s.docs, key)
		return http.StatusOK, ""

	case bulk.ActionUpdate:
		req, err := parseUpdate(op.Body)
		if err != nil {
			return http.StatusBadRequest, err.Error()
		}
		if !exists {
			doc := req.upsertDocument()
			if doc == nil {
				return http.StatusNotFound, "document missing"
			}
			raw, err := json.Marshal(doc)
			if err != nil {
				return http.StatusBadRequest, err.Error()
			}
			s.docs[key] = storedDoc{version: nextVersion(op, current), source: raw}
			return http.StatusCreated, ""
		}

		existing, err := decodeDocument(current.source)
		if err != nil {
			return http.StatusBadRequest, "stored document is not an object"
		}
		raw, err := json.Marshal(mergeDocument(existing, req.Doc))
		if err != nil {
			return http.StatusBadRequest, err.Error()
		}
		s.docs[key] = storedDoc{version: nextVersion(op, current), source: raw}
		return http.StatusOK, ""
	}

	return http.StatusBadRequest, fmt.Sprintf("unsupported action %q", op.Action)
}

// checkVersion applies optimistic concurrency. External versions must be
// strictly greater than the stored one (external_gte allows equal); an
// internal version must match exactly.
func checkVersion(op bulk.Operation, current storedDoc, exists bool) (string, bool) {
	if op.Version == nil {
		return "", true
	}
	v := *op.Version
	switch op.VersionType {
	case "external", "external_gt":
		if exists && v <= current.version {
			return fmt.Sprintf("version conflict, current version [%d] is higher or equal to the one provided [%d]", current.version, v), false
		}
	case "external_gte":
		if exists && v < current.version {
			return fmt.Sprintf("version conflict, current version [%d] is higher than the one provided [%d]", current.version, v), false
		}
	default:
		if !exists || v != current.version {
			return fmt.Sprintf("version conflict, required version [%d], current version [%d]", v, current.version), false
		}
	}
	return "", true
}

func nextVersion(op bulk.Operation, current storedDoc) int64 {
	if op.Version != nil && op.VersionType != "" && op.VersionType != "internal" {
		return *op.Version
	}
	return current.version + 1
}

func (s *MemoryStore) Get(ctx context.Context, index, typ, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docKey{index, typ, id}]
	if !ok {
		return nil, notFound(index, typ, id)
	}
	return &Document{
		Index:   index,
		Type:    typ,
		ID:      id,
		Version: doc.version,
		Source:  append(json.RawMessage(nil), doc.source...),
	}, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}
