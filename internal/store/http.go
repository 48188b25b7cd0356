// Package store provides the HTTP client for the versioned record store.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/kampuslab/labsync/internal/errors"
	"github.com/kampuslab/labsync/internal/logging"
	"github.com/kampuslab/labsync/internal/metrics"
	"github.com/kampuslab/labsync/internal/models"
)

// HTTPStore talks to the record store over JSON-over-HTTP. Requests fail fast
// on the client timeout so callers can fall back to the offline queue instead
// of hanging.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	metrics *metrics.Metrics
}

// Option configures an HTTPStore.
type Option func(*HTTPStore)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *HTTPStore) { s.client = c }
}

// WithMetrics attaches request counters and latency histograms.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *HTTPStore) { s.metrics = m }
}

// NewHTTPStore creates a store client for the given base URL.
func NewHTTPStore(baseURL string, timeout time.Duration, opts ...Option) *HTTPStore {
	s := &HTTPStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// conditionalUpdateRequest mirrors the store's safe_update_with_version RPC.
type conditionalUpdateRequest struct {
	Entity          models.Entity  `json:"entity"`
	RecordID        string         `json:"record_id"`
	Payload         map[string]any `json:"payload"`
	ExpectedVersion int64          `json:"expected_version"`
}

type conditionalUpdateResponse struct {
	Success    bool  `json:"success"`
	NewVersion int64 `json:"new_version"`
	Conflict   *struct {
		RemoteData    map[string]any `json:"remote_data"`
		RemoteVersion int64          `json:"remote_version"`
	} `json:"conflict"`
}

type recordResponse struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Payload   map[string]any `json:"payload"`
	UpdatedAt int64          `json:"updated_at"`
}

// ConditionalUpdate calls the store's compare-and-swap RPC. A version
// mismatch comes back as a result with Conflict set; if the store omits the
// remote snapshot it is fetched separately so the caller always sees both
// sides of the divergence.
func (s *HTTPStore) ConditionalUpdate(ctx context.Context, entity models.Entity, recordID string, payload map[string]any, expectedVersion int64) (*UpdateResult, error) {
	body := conditionalUpdateRequest{
		Entity:          entity,
		RecordID:        recordID,
		Payload:         payload,
		ExpectedVersion: expectedVersion,
	}

	var resp conditionalUpdateResponse
	if err := s.do(ctx, http.MethodPost, "/rpc/safe_update_with_version", body, &resp); err != nil {
		return nil, err
	}

	if resp.Success {
		return &UpdateResult{Applied: true, NewVersion: resp.NewVersion}, nil
	}

	result := &UpdateResult{Applied: false}
	if resp.Conflict != nil && resp.Conflict.RemoteData != nil {
		result.Conflict = &Conflict{
			RemoteSnapshot: resp.Conflict.RemoteData,
			RemoteVersion:  resp.Conflict.RemoteVersion,
		}
	} else {
		// Older store versions reject without echoing the row back
		remote, err := s.FetchCurrent(ctx, entity, recordID)
		if err != nil {
			return nil, err
		}
		result.Conflict = &Conflict{
			RemoteSnapshot: remote.Payload,
			RemoteVersion:  remote.Version,
		}
	}

	if s.metrics != nil {
		s.metrics.ConflictsDetected.WithLabelValues(string(entity)).Inc()
	}
	logging.Warn("conditional update rejected", map[string]interface{}{
		"entity":           string(entity),
		"record_id":        recordID,
		"expected_version": expectedVersion,
		"remote_version":   result.Conflict.RemoteVersion,
	})
	return result, nil
}

// FetchCurrent returns the record's current payload and version.
func (s *HTTPStore) FetchCurrent(ctx context.Context, entity models.Entity, recordID string) (*models.VersionedRecord, error) {
	var resp recordResponse
	path := fmt.Sprintf("/records/%s/%s", entity, recordID)
	if err := s.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &models.VersionedRecord{
		ID:        resp.ID,
		Version:   resp.Version,
		Payload:   resp.Payload,
		UpdatedAt: time.UnixMilli(resp.UpdatedAt),
	}, nil
}

// Put writes the payload unconditionally, creating the record if absent.
func (s *HTTPStore) Put(ctx context.Context, entity models.Entity, recordID string, payload map[string]any) (*models.VersionedRecord, error) {
	var resp recordResponse
	path := fmt.Sprintf("/records/%s/%s", entity, recordID)
	if err := s.do(ctx, http.MethodPut, path, payload, &resp); err != nil {
		return nil, err
	}
	return &models.VersionedRecord{
		ID:        resp.ID,
		Version:   resp.Version,
		Payload:   resp.Payload,
		UpdatedAt: time.UnixMilli(resp.UpdatedAt),
	}, nil
}

// Delete removes the record. A 404 from the store is treated as success.
func (s *HTTPStore) Delete(ctx context.Context, entity models.Entity, recordID string) error {
	path := fmt.Sprintf("/records/%s/%s", entity, recordID)
	err := s.do(ctx, http.MethodDelete, path, nil, nil)
	if apperrors.CodeOf(err) == apperrors.ErrNotFound {
		return nil
	}
	return err
}

// do executes one request and decodes the response body into out.
// Transport failures and 5xx responses classify as transient, 4xx as
// validation, 404 as not found.
func (s *HTTPStore) do(ctx context.Context, method, path string, in, out any) error {
	start := time.Now()

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode request", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	s.observe(method, path, start, err, resp)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "store request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, "record not found")
	case resp.StatusCode >= 500:
		return apperrors.New(apperrors.ErrTransientNetwork,
			fmt.Sprintf("store returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("store rejected request (%d): %s", resp.StatusCode, data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "failed to decode response", err)
	}
	return nil
}

func (s *HTTPStore) observe(method, path string, start time.Time, err error, resp *http.Response) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "network_error"
	case resp.StatusCode >= 500:
		outcome = "server_error"
	case resp.StatusCode >= 400:
		outcome = "client_error"
	}
	s.metrics.StoreRequests.WithLabelValues(method, outcome).Inc()
	s.metrics.StoreDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

var _ RecordStore = (*HTTPStore)(nil)
