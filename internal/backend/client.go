// Package backend is the HTTP client for the remote point-of-sale backend:
// liveness probe, idempotent submission, duplicate pre-check and reference
// data listing.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/possync/internal/fault"
	"github.com/hyperengineering/possync/internal/types"
)

const (
	defaultProbePath    = "/api/v1/ping"
	defaultUserAgent    = "possync/0.1"
	defaultTimeout      = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second
	maxErrorBody        = 64 << 10
)

// Error codes carried in problem responses.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeSyncInProgress = "SYNC_IN_PROGRESS"
	CodeNotFound       = "NOT_FOUND"
	CodeUnauthorized   = "UNAUTHORIZED"
)

// Wire types shared with the reference ledger.
type (
	// SubmitRequest is the body of an idempotent submission.
	SubmitRequest struct {
		OfflineID string          `json:"offline_id"`
		Document  json.RawMessage `json:"document"`
	}

	// SubmitResult is the backend's confirmation. Duplicate means the
	// offline id had already been accepted and Name is the existing record.
	SubmitResult struct {
		Name      string `json:"name"`
		OfflineID string `json:"offline_id"`
		Duplicate bool   `json:"duplicate"`
	}

	// SyncStatus answers the duplicate pre-check.
	SyncStatus struct {
		Synced   bool   `json:"synced"`
		RemoteID string `json:"remote_id,omitempty"`
	}

	// PingResponse is the liveness probe body.
	PingResponse struct {
		Message string `json:"message"`
	}

	// ReferenceResponse lists one reference table.
	ReferenceResponse struct {
		Entries []types.ReferenceEntry `json:"entries"`
	}

	// Problem is an RFC 7807 error body with a structured code.
	Problem struct {
		Type   string `json:"type"`
		Title  string `json:"title"`
		Status int    `json:"status"`
		Detail string `json:"detail"`
		Code   string `json:"code,omitempty"`
	}
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	APIKey       string
	ProbePath    string
	Timeout      time.Duration
	ProbeTimeout time.Duration
	UserAgent    string
}

// Client talks to the backend HTTP API.
type Client struct {
	baseURL   *url.URL
	apiKey    string
	probePath string
	http      *http.Client
	probeHTTP *http.Client
	userAgent string
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = defaultProbePath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Client{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		probePath: cfg.ProbePath,
		http:      &http.Client{Timeout: cfg.Timeout},
		probeHTTP: &http.Client{Timeout: cfg.ProbeTimeout},
		userAgent: cfg.UserAgent,
	}, nil
}

// Probe checks backend liveness and returns the round-trip latency. Success
// needs a 200 with a JSON {"message":"pong"} body; a captive portal answering
// 200 with HTML is a failure.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	req, err := c.newRequest(ctx, http.MethodGet, &url.URL{Path: c.probePath}, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.probeHTTP.Do(req)
	if err != nil {
		return 0, transportFault("probe", err)
	}
	defer func() { _ = resp.Body.Close() }()
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return latency, fault.New(fault.KindTransientNetwork, "probe", fmt.Sprintf("status %d", resp.StatusCode))
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "application/json" {
		return latency, fault.New(fault.KindTransientNetwork, "probe", fmt.Sprintf("unexpected content type %q", mt))
	}
	var body PingResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body); err != nil {
		return latency, fault.New(fault.KindTransientNetwork, "probe", "malformed probe body")
	}
	if body.Message != "pong" {
		return latency, fault.New(fault.KindTransientNetwork, "probe", "unexpected probe body")
	}
	return latency, nil
}

// Submit sends a queued write to the idempotent submission endpoint.
func (c *Client) Submit(ctx context.Context, kind types.WriteKind, offlineID string, doc json.RawMessage) (*SubmitResult, error) {
	path, err := submitPath(kind)
	if err != nil {
		return nil, err
	}
	var result SubmitResult
	body := SubmitRequest{OfflineID: offlineID, Document: doc}
	if err := c.do(ctx, "submit", http.MethodPost, &url.URL{Path: path}, body, &result); err != nil {
		return nil, err
	}
	if result.Name == "" {
		return nil, fault.New(fault.KindInternal, "submit", "backend confirmed without a record name")
	}
	return &result, nil
}

// CheckSynced asks whether offlineID was already accepted.
func (c *Client) CheckSynced(ctx context.Context, offlineID string) (*SyncStatus, error) {
	var status SyncStatus
	rel := &url.URL{Path: "/api/v1/offline-sync/" + offlineID}
	if err := c.do(ctx, "check_synced", http.MethodGet, rel, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// FetchReference lists a reference table for cache refresh.
func (c *Client) FetchReference(ctx context.Context, table string) ([]types.ReferenceEntry, error) {
	var payload ReferenceResponse
	rel := &url.URL{Path: "/api/v1/reference/" + table}
	if err := c.do(ctx, "fetch_reference", http.MethodGet, rel, nil, &payload); err != nil {
		return nil, err
	}
	if payload.Entries == nil {
		payload.Entries = []types.ReferenceEntry{}
	}
	return payload.Entries, nil
}

func submitPath(kind types.WriteKind) (string, error) {
	switch kind {
	case types.KindInvoice:
		return "/api/v1/invoices/submit", nil
	case types.KindPayment:
		return "/api/v1/payments/submit", nil
	}
	return "", fault.New(fault.KindValidation, "submit", fmt.Sprintf("unknown write kind %q", kind))
}

func (c *Client) newRequest(ctx context.Context, method string, rel *url.URL, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	target := *c.baseURL
	target.Path = c.baseURL.Path + rel.Path
	target.RawPath = ""
	target.RawQuery = rel.RawQuery
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, op, method string, rel *url.URL, body, dest any) error {
	req, err := c.newRequest(ctx, method, rel, body)
	if err != nil {
		return fault.Wrap(fault.KindInternal, op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportFault(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return responseFault(op, resp)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fault.Wrap(fault.KindTransientNetwork, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func transportFault(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, op, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return fault.Wrap(fault.KindTimeout, op, err)
	}
	return fault.Wrap(fault.KindTransientNetwork, op, err)
}

// responseFault classifies an error response by its structured code, then
// by status. Message text is never inspected.
func responseFault(op string, resp *http.Response) error {
	var p Problem
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(data, &p)

	msg := p.Detail
	if msg == "" {
		msg = p.Title
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	msg = fmt.Sprintf("status %d: %s", resp.StatusCode, msg)

	switch p.Code {
	case CodeValidation:
		return fault.New(fault.KindValidation, op, msg)
	case CodeSyncInProgress:
		return fault.New(fault.KindTransientNetwork, op, msg)
	case CodeNotFound:
		return fault.New(fault.KindNotFound, op, msg)
	case CodeUnauthorized:
		return fault.New(fault.KindInternal, op, msg)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fault.New(fault.KindTransientNetwork, op, msg)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fault.New(fault.KindInternal, op, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fault.New(fault.KindNotFound, op, msg)
	case resp.StatusCode >= 500:
		return fault.New(fault.KindTransientNetwork, op, msg)
	default:
		return fault.New(fault.KindValidation, op, msg)
	}
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("backend url is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse backend url %q: %w", raw, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
