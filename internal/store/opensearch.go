package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"river/internal/bulk"
	"river/internal/config"
	"river/internal/constants"
	"river/internal/logger"
	"river/pkg/metrics"
)

// OpenSearchStore submits batches through the _bulk endpoint. Mapping types
// no longer exist in OpenSearch, so _type is kept on the operation for
// logging but not sent; documents are addressed by index and id.
type OpenSearchStore struct {
	client  *opensearch.Client
	refresh bool
	logger  logger.Logger
}

func NewOpenSearchStore(cfg config.StoreConfig, log logger.Logger) (*OpenSearchStore, error) {
	// Whole-request retries belong to the bulk executor's policy.
	osCfg := opensearch.Config{
		Addresses:    cfg.OpenSearch.Addresses,
		Username:     cfg.OpenSearch.Username,
		Password:     cfg.OpenSearch.Password,
		DisableRetry: true,
	}
	if cfg.OpenSearch.InsecureSkipVerify {
		osCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &OpenSearchStore{client: client, refresh: cfg.Refresh, logger: log}, nil
}

type bulkMeta struct {
	Index       string `json:"_index"`
	ID          string `json:"_id"`
	Routing     string `json:"routing,omitempty"`
	Version     *int64 `json:"version,omitempty"`
	VersionType string `json:"version_type,omitempty"`
}

func usesInternalVersion(op bulk.Operation) bool {
	return op.Version != nil && (op.VersionType == "" || op.VersionType == "internal")
}

// encodeBulk renders the batch as the NDJSON body of a _bulk request.
func encodeBulk(batch bulk.Batch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, op := range batch.Operations {
		meta := bulkMeta{
			Index:   op.Index,
			ID:      op.ID,
			Routing: op.EffectiveRouting(),
		}
		if op.Version != nil && op.VersionType != "" && op.VersionType != "internal" {
			meta.Version = op.Version
			meta.VersionType = op.VersionType
		}

		// Encoder.Encode terminates each header with a newline.
		if err := enc.Encode(map[string]bulkMeta{op.Action.String(): meta}); err != nil {
			return nil, fmt.Errorf("failed to encode %s header: %w", op, err)
		}
		if op.Action.HasBody() {
			buf.Write(op.Body)
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

type bulkResponseBody struct {
	Took   int64                         `json:"took"`
	Errors bool                          `json:"errors"`
	Items  []map[string]bulkItemResponse `json:"items"`
}

type bulkItemResponse struct {
	Index  string `json:"_index"`
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func (s *OpenSearchStore) Bulk(ctx context.Context, batch bulk.Batch) (*BulkResponse, error) {
	if batch.Empty() {
		return &BulkResponse{}, nil
	}

	// Internal versions cannot be checked through _bulk; those items are
	// rejected here and the rest is sent.
	resp := &BulkResponse{Items: make([]ItemResult, batch.Len())}
	send := bulk.Batch{MessageID: batch.MessageID}
	var positions []int
	for i, op := range batch.Operations {
		if usesInternalVersion(op) {
			resp.Items[i] = newItem(op, http.StatusBadRequest,
				itemError(op, http.StatusBadRequest, "internal versioning is not supported, use an external version type"))
			continue
		}
		send.Operations = append(send.Operations, op)
		positions = append(positions, i)
	}
	if send.Empty() {
		return resp, nil
	}

	body, err := encodeBulk(send)
	if err != nil {
		return nil, rejected(err)
	}

	opts := []func(*opensearchapi.BulkRequest){s.client.Bulk.WithContext(ctx)}
	if s.refresh {
		opts = append(opts, s.client.Bulk.WithRefresh("true"))
	}

	start := time.Now()
	res, err := s.client.Bulk(bytes.NewReader(body), opts...)
	if err != nil {
		metrics.ObserveStoreRequest(constants.StoreTypeOpenSearch, "bulk", constants.StatusError, time.Since(start))
		return nil, unavailable(fmt.Errorf("bulk request failed: %w", err))
	}
	defer res.Body.Close()

	if res.IsError() {
		metrics.ObserveStoreRequest(constants.StoreTypeOpenSearch, "bulk", constants.StatusError, time.Since(start))
		return nil, classifyStatus(res.StatusCode, readBody(res.Body))
	}

	var parsed bulkResponseBody
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		metrics.ObserveStoreRequest(constants.StoreTypeOpenSearch, "bulk", constants.StatusError, time.Since(start))
		return nil, unavailable(fmt.Errorf("failed to decode bulk response: %w", err))
	}
	if len(parsed.Items) != send.Len() {
		return nil, unavailable(fmt.Errorf("bulk response has %d items for %d operations", len(parsed.Items), send.Len()))
	}

	resp.Took = time.Duration(parsed.Took) * time.Millisecond
	for j, op := range send.Operations {
		item := parsed.Items[j][op.Action.String()]
		reason := ""
		if item.Error != nil {
			reason = item.Error.Type + ": " + item.Error.Reason
		}
		resp.Items[positions[j]] = newItem(op, item.Status, itemError(op, item.Status, reason))
	}

	s.logger.DebugwCtx(ctx, "Bulk request completed",
		"operations", send.Len(),
		"errors", parsed.Errors,
		"took_ms", parsed.Took,
	)
	metrics.ObserveStoreRequest(constants.StoreTypeOpenSearch, "bulk", constants.StatusOK, time.Since(start))
	return resp, nil
}

type getResponseBody struct {
	Index   string          `json:"_index"`
	ID      string          `json:"_id"`
	Version int64           `json:"_version"`
	Found   bool            `json:"found"`
	Source  json.RawMessage `json:"_source"`
}

func (s *OpenSearchStore) Get(ctx context.Context, index, typ, id string) (*Document, error) {
	start := time.Now()
	res, err := s.client.Get(index, id, s.client.Get.WithContext(ctx))
	if err != nil {
		metrics.ObserveStoreRequest(constants.StoreTypeOpenSearch, "get", constants.StatusError, time.Since(start))
		return nil, unavailable(fmt.Errorf("get request failed: %w", err))
	}
	defer res.Body.Close()
	metrics.ObserveStoreRequest(constants.StoreTypeOpenSearch, "get", constants.StatusOK, time.Since(start))

	if res.StatusCode == http.StatusNotFound {
		return nil, notFound(index, typ, id)
	}
	if res.IsError() {
		return nil, classifyStatus(res.StatusCode, readBody(res.Body))
	}

	var parsed getResponseBody
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, unavailable(fmt.Errorf("failed to decode get response: %w", err))
	}
	if !parsed.Found {
		return nil, notFound(index, typ, id)
	}

	return &Document{
		Index:   parsed.Index,
		Type:    typ,
		ID:      parsed.ID,
		Version: parsed.Version,
		Source:  parsed.Source,
	}, nil
}

func (s *OpenSearchStore) Ping(ctx context.Context) error {
	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return unavailable(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return unavailable(fmt.Errorf("opensearch ping returned %s", res.Status()))
	}
	return nil
}

// Close is a no-op: the client holds only pooled HTTP connections.
func (s *OpenSearchStore) Close(context.Context) error {
	return nil
}

// classifyStatus turns a failed whole-request status into a retryable or
// permanent error. Throttling and server errors are retried.
func classifyStatus(status int, body string) error {
	err := fmt.Errorf("opensearch returned %d: %s", status, body)
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return unavailable(err)
	}
	return rejected(err)
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(b)
}
