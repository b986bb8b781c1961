package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrRequestFailed = errors.New("request failed")

const defaultTimeout = 3 * time.Second

// KV is one pair returned by Scan.
type KV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type response struct {
	Status string `json:"status"`
	Value  string `json:"value"`
	Error  string `json:"error"`
}

type scanResponse struct {
	Items []KV   `json:"items"`
	Next  string `json:"next"`
}

// CompactResult mirrors the server's compaction report.
type CompactResult struct {
	InputTables    int    `json:"input_tables"`
	OutputTables   int    `json:"output_tables"`
	DroppedRecords uint64 `json:"dropped_records"`
}

// HTTPStore talks to a running lsmkv server.
type HTTPStore struct {
	client *resty.Client
}

func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(defaultTimeout).
			SetRetryCount(2).
			SetRetryWaitTime(100 * time.Millisecond),
	}
}

func (s *HTTPStore) SetTimeout(d time.Duration) *HTTPStore {
	s.client.SetTimeout(d)
	return s
}

func (s *HTTPStore) Health(ctx context.Context) error {
	var resp response
	r, err := s.client.R().SetContext(ctx).SetResult(&resp).SetError(&resp).Get("/health")
	return check("health", r, err, &resp)
}

func (s *HTTPStore) PutString(ctx context.Context, key, value string) error {
	var resp response
	r, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"key": key, "value": value}).
		SetResult(&resp).
		SetError(&resp).
		Put("/api/string")
	return check("put", r, err, &resp)
}

// GetString returns false without an error when the key does not exist.
func (s *HTTPStore) GetString(ctx context.Context, key string) (string, bool, error) {
	var resp response
	r, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("key", key).
		SetResult(&resp).
		SetError(&resp).
		Get("/api/string")
	if err == nil && r.StatusCode() == http.StatusNotFound {
		return "", false, nil
	}
	if err := check("get", r, err, &resp); err != nil {
		return "", false, err
	}
	return resp.Value, true, nil
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	var resp response
	r, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("key", key).
		SetResult(&resp).
		SetError(&resp).
		Delete("/api")
	return check("delete", r, err, &resp)
}

// Scan returns up to limit pairs in [start, end) and the key to continue
// from, empty when the range is exhausted. Empty bounds are open.
func (s *HTTPStore) Scan(ctx context.Context, start, end string, limit int) ([]KV, string, error) {
	var (
		resp    scanResponse
		errResp response
	)
	req := s.client.R().SetContext(ctx).SetResult(&resp).SetError(&errResp)
	if start != "" {
		req.SetQueryParam("start", start)
	}
	if end != "" {
		req.SetQueryParam("end", end)
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}

	r, err := req.Get("/api/scan")
	if err := check("scan", r, err, &errResp); err != nil {
		return nil, "", err
	}
	return resp.Items, resp.Next, nil
}

func (s *HTTPStore) Flush(ctx context.Context) error {
	var resp response
	r, err := s.client.R().SetContext(ctx).SetResult(&resp).SetError(&resp).Post("/api/admin/flush")
	return check("flush", r, err, &resp)
}

func (s *HTTPStore) Compact(ctx context.Context) (CompactResult, error) {
	var (
		res     CompactResult
		errResp response
	)
	r, err := s.client.R().SetContext(ctx).SetResult(&res).SetError(&errResp).Post("/api/admin/compact")
	if err := check("compact", r, err, &errResp); err != nil {
		return CompactResult{}, err
	}
	return res, nil
}

func check(op string, r *resty.Response, err error, resp *response) error {
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if r.IsError() {
		msg := resp.Error
		if msg == "" {
			msg = r.String()
		}
		return fmt.Errorf("%w: %s status=%d: %s", ErrRequestFailed, op, r.StatusCode(), msg)
	}
	return nil
}
