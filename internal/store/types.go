// Package store applies bulk batches to a document store and reads single
// documents back.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"river/internal/bulk"
	"river/pkg/errors"
)

// Store is the write target of a river. Bulk returns an error only when the
// request as a whole failed; per-operation outcomes are in the response.
// Whole-request errors that cannot succeed on retry are validation errors.
type Store interface {
	Bulk(ctx context.Context, batch bulk.Batch) (*BulkResponse, error)
	Get(ctx context.Context, index, typ, id string) (*Document, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ItemResult is the outcome of one operation, in batch order.
type ItemResult struct {
	Action bulk.Action
	Index  string
	Type   string
	ID     string
	Status int
	Err    error
}

func (r ItemResult) Failed() bool {
	return r.Err != nil
}

type BulkResponse struct {
	Items []ItemResult
	Took  time.Duration
}

func (r *BulkResponse) Failures() []ItemResult {
	var out []ItemResult
	for _, item := range r.Items {
		if item.Failed() {
			out = append(out, item)
		}
	}
	return out
}

type Document struct {
	Index   string
	Type    string
	ID      string
	Version int64
	Source  json.RawMessage
}

func newItem(op bulk.Operation, status int, err error) ItemResult {
	return ItemResult{
		Action: op.Action,
		Index:  op.Index,
		Type:   op.Type,
		ID:     op.ID,
		Status: status,
		Err:    err,
	}
}

// itemError maps a per-operation status onto the error kinds callers test
// for. Successful statuses yield nil.
func itemError(op bulk.Operation, status int, reason string) error {
	if status < http.StatusMultipleChoices {
		return nil
	}
	var base *errors.Error
	switch status {
	case http.StatusNotFound:
		base = errors.ErrNotFound
	case http.StatusConflict:
		base = errors.ErrConflict
	default:
		base = errors.ErrPartialWrite
	}
	if reason == "" {
		reason = http.StatusText(status)
	}
	return base.
		WithCause(fmt.Errorf("%s: %s", op, reason)).
		WithDetail("status", status)
}

func notFound(index, typ, id string) error {
	return errors.ErrNotFound.WithDetail("message", fmt.Sprintf("document %s/%s/%s not found", index, typ, id))
}

// unavailable marks a whole-request failure worth retrying.
func unavailable(err error) error {
	return errors.ErrServiceUnavailable.WithCause(err)
}

// rejected marks a whole-request failure that will fail again unchanged.
func rejected(err error) error {
	return errors.ErrValidation.WithCause(err)
}

// IsUnavailable reports whether err is a retryable whole-request failure.
func IsUnavailable(err error) bool {
	return err != nil && !errors.IsValidation(err)
}
