/*
Package remote talks to an upstream pawn backend over REST.

PURPOSE:
  Implements desk.Backend against a service that owns the transactions.
  A desk process can then run without a local database.

ENDPOINTS (relative to the base URL):
  GET  /transactions/{id}
  GET  /transactions/{id}/payments
  GET  /transactions/{id}/extensions
  GET  /transactions/{id}/audit-logs?limit=N
  POST /actions/{kind}/{targetID}/eligibility
  POST /actions/{kind}/{targetID}/commit        {reason, admin_pin}
  POST /bulk-redemptions                        batch document

  The acting operator travels in X-Actor-ID and X-Actor-Role.

LIST SHAPES:
  List endpoints may answer with a bare array or wrap it in an object
  ({"payments": [...]}, {"audit_logs": [...]}, ...). Anything else is
  reported as pawn.ErrMalformedInput and the desk shows an empty list.

STATUS MAPPING:
  400 -> *pawn.ValidationError
  401 -> pawn.ErrInvalidCredential
  403 -> pawn.ErrPermissionDenied
  404 -> pawn.ErrNotFound
  409, 422 -> pawn.ErrConflict (with the reason as *pawn.IneligibleError when sent)

SEE ALSO:
  - api/backend.go: the server side of these endpoints
*/
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/bulk"
	"github.com/warp/pawn-desk/desk"
	"github.com/warp/pawn-desk/pawn"
)

// Header names carrying the operator.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// maxBody caps how much of a response is read.
const maxBody = 4 << 20

type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

var _ desk.Backend = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// READS
// =============================================================================

func (c *Client) Transaction(ctx context.Context, id string) (pawn.Transaction, error) {
	var tx pawn.Transaction
	if err := c.getJSON(ctx, "/transactions/"+url.PathEscape(id), &tx); err != nil {
		return pawn.Transaction{}, err
	}
	return tx, nil
}

func (c *Client) Payments(ctx context.Context, transactionID string) ([]pawn.Payment, error) {
	return getList[pawn.Payment](ctx, c, "/transactions/"+url.PathEscape(transactionID)+"/payments")
}

func (c *Client) Extensions(ctx context.Context, transactionID string) ([]pawn.Extension, error) {
	return getList[pawn.Extension](ctx, c, "/transactions/"+url.PathEscape(transactionID)+"/extensions")
}

func (c *Client) AuditEntries(ctx context.Context, transactionID string, limit int) ([]pawn.AuditEntry, error) {
	path := "/transactions/" + url.PathEscape(transactionID) + "/audit-logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return getList[pawn.AuditEntry](ctx, c, path)
}

func getList[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	items, err := pawn.DecodeList[T](body)
	if err != nil {
		c.logger.Warn("unexpected list shape", slog.String("path", path), slog.Any("error", err))
		return items, fmt.Errorf("GET %s: %w", path, err)
	}
	return items, nil
}

// =============================================================================
// ACTIONS AND BULK
// =============================================================================

// CheckEligibility implements action.Service.
func (c *Client) CheckEligibility(ctx context.Context, kind action.Kind, targetID string) (action.Eligibility, error) {
	var e action.Eligibility
	err := c.postJSON(ctx, actionPath(kind, targetID, "eligibility"), struct{}{}, &e)
	return e, err
}

// Commit implements action.Service.
func (c *Client) Commit(ctx context.Context, kind action.Kind, targetID string, approval action.Approval) (action.CommitResult, error) {
	var res action.CommitResult
	err := c.postJSON(ctx, actionPath(kind, targetID, "commit"), approval, &res)
	return res, err
}

// SubmitBulkRedemption implements bulk.Submitter.
func (c *Client) SubmitBulkRedemption(ctx context.Context, actor pawn.Actor, b bulk.Batch) (bulk.Result, error) {
	var res bulk.Result
	err := c.postJSON(pawn.WithActor(ctx, actor), "/bulk-redemptions", b, &res)
	return res, err
}

func actionPath(kind action.Kind, targetID, op string) string {
	return "/actions/" + url.PathEscape(string(kind)) + "/" + url.PathEscape(targetID) + "/" + op
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: %w: %v", path, pawn.ErrMalformedInput, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("POST %s: decode response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor, ok := pawn.ActorFrom(ctx); ok {
		req.Header.Set(HeaderActorID, actor.ID)
		req.Header.Set(HeaderActorRole, string(actor.Role))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.logger.Debug("upstream call",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, statusError(method, path, resp.StatusCode, body)
}

// errorBody is the JSON error document the upstream sends.
type errorBody struct {
	Error    string `json:"error"`
	Details  string `json:"details,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Problems []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"problems,omitempty"`
}

func statusError(method, path string, status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Error
	if eb.Details != "" {
		msg += ": " + eb.Details
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch status {
	case http.StatusBadRequest:
		v := &pawn.ValidationError{}
		for _, p := range eb.Problems {
			v.Add(p.Field, p.Message)
		}
		if len(v.Problems) == 0 {
			v.Add("request", msg)
		}
		return fmt.Errorf("%s %s: %w", method, path, v)
	case http.StatusUnauthorized:
		return fmt.Errorf("%s %s: %w: %s", method, path, pawn.ErrInvalidCredential, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%s %s: %w: %s", method, path, pawn.ErrPermissionDenied, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %w: %s", method, path, pawn.ErrNotFound, msg)
	case http.StatusConflict, http.StatusUnprocessableEntity:
		if eb.Reason != "" {
			return fmt.Errorf("%s %s: %w: %w", method, path, pawn.ErrConflict, &pawn.IneligibleError{Reason: eb.Reason})
		}
		return fmt.Errorf("%s %s: %w: %s", method, path, pawn.ErrConflict, msg)
	default:
		return fmt.Errorf("%s %s: upstream status %d: %s", method, path, status, msg)
	}
}
