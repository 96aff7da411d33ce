// Package remote is the client for the hosted backend: row-filtered CRUD over
// the REST surface, best-effort schema repair through the privileged
// execute_sql procedure, and the realtime change feed.
package remote

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxAttempts           = 3
	retryInitial          = 250 * time.Millisecond
	retryMax              = 5 * time.Second
)

// TokenSource supplies the bearer token for each request. It returns the
// user's access token when a session exists, empty otherwise.
type TokenSource interface {
	AccessToken() string
}

// Client talks to the backend's REST surface.
type Client struct {
	baseURL string
	apiKey  string
	tokens  TokenSource
	http    *http.Client
	logger  *log.Logger

	timeout time.Duration
}

// NewClient creates a backend client. tokens may be nil, in which case only
// the anonymous API key authenticates requests.
func NewClient(baseURL, apiKey string, tokens TokenSource, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		http:    &http.Client{},
		logger:  logger,
		timeout: defaultRequestTimeout,
	}
}

// Filter is one row predicate, rendered as column=op.value.
type Filter struct {
	Column string
	Op     string
	Value  string
}

func Eq(column, value string) Filter    { return Filter{column, "eq", value} }
func Gte(column, value string) Filter   { return Filter{column, "gte", value} }
func Lte(column, value string) Filter   { return Filter{column, "lte", value} }
func Ilike(column, value string) Filter { return Filter{column, "ilike", value} }

// Select fetches rows from table. order is a column name optionally suffixed
// with ".desc"; limit <= 0 means no limit. Each returned element is one row's
// JSON document.
func (c *Client) Select(ctx context.Context, table string, filters []Filter, order string, limit int) ([][]byte, error) {
	q := url.Values{}
	q.Set("select", "*")
	for _, f := range filters {
		q.Set(f.Column, f.Op+"."+f.Value)
	}
	if order != "" {
		q.Set("order", order)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.do(ctx, http.MethodGet, c.tableURL(table)+"?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []sonic.NoCopyRawMessage
	if err := sonic.ConfigStd.Unmarshal(body, &rows); err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "malformed response: " + err.Error(), cause: err}
	}
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = append([]byte(nil), r...)
	}
	return out, nil
}

// SelectSingle fetches exactly one row, returning KindNotFound when the
// filters match nothing.
func (c *Client) SelectSingle(ctx context.Context, table string, filters []Filter) ([]byte, error) {
	rows, err := c.Select(ctx, table, filters, "", 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &Error{Kind: KindNotFound, Code: codeNoSingleRow, Message: "no rows"}
	}
	return rows[0], nil
}

// Insert creates one row and returns the stored representation.
func (c *Client) Insert(ctx context.Context, table string, record []byte) ([]byte, error) {
	headers := map[string]string{"Prefer": "return=representation"}
	body, err := c.do(ctx, http.MethodPost, c.tableURL(table), record, headers)
	if err != nil {
		return nil, err
	}
	return firstRow(body)
}

// Upsert inserts or replaces one row. onConflict names the unique columns the
// merge resolves on ("id" or "user_id,date"); empty means the primary key.
func (c *Client) Upsert(ctx context.Context, table string, record []byte, onConflict string) ([]byte, error) {
	target := c.tableURL(table)
	if onConflict != "" {
		target += "?on_conflict=" + url.QueryEscape(onConflict)
	}
	headers := map[string]string{"Prefer": "resolution=merge-duplicates,return=representation"}
	body, err := c.do(ctx, http.MethodPost, target, record, headers)
	if err != nil {
		return nil, err
	}
	return firstRow(body)
}

// Update patches the row with the given primary key and returns the stored
// representation.
func (c *Client) Update(ctx context.Context, table, key string, patch []byte) ([]byte, error) {
	target := c.tableURL(table) + "?id=eq." + url.QueryEscape(key)
	headers := map[string]string{"Prefer": "return=representation"}
	body, err := c.do(ctx, http.MethodPatch, target, patch, headers)
	if err != nil {
		return nil, err
	}
	return firstRow(body)
}

// Delete removes the row with the given primary key.
func (c *Client) Delete(ctx context.Context, table, key string) error {
	target := c.tableURL(table) + "?id=eq." + url.QueryEscape(key)
	_, err := c.do(ctx, http.MethodDelete, target, nil, nil)
	return err
}

// RPC invokes a stored procedure with JSON-encoded args.
func (c *Client) RPC(ctx context.Context, name string, args any) ([]byte, error) {
	payload, err := sonic.ConfigStd.Marshal(args)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "encode rpc args: " + err.Error(), cause: err}
	}
	return c.do(ctx, http.MethodPost, c.baseURL+"/rest/v1/rpc/"+name, payload, nil)
}

// Ping probes backend reachability with a single unretried request against
// the REST root. Any response, even an error status, proves connectivity;
// only transport failures count as offline.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doOnce(ctx, http.MethodGet, c.baseURL+"/rest/v1/", nil, nil)
	if err != nil && IsTransient(err) {
		return err
	}
	return nil
}

func (c *Client) tableURL(table string) string {
	return c.baseURL + "/rest/v1/" + table
}

// do issues one request with the fixed timeout, retrying transient failures
// up to maxAttempts with jittered backoff. Authorization and validation
// failures are never retried.
func (c *Client) do(ctx context.Context, method, target string, body []byte, headers map[string]string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt, retryInitial, retryMax)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, classifyTransport(ctx.Err())
			}
			c.logger.WithFields(log.Fields{"method": method, "url": target, "attempt": attempt + 1}).
				Debug("retrying remote request")
		}

		respBody, err := c.doOnce(ctx, method, target, body, headers)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, target string, body []byte, headers map[string]string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: err.Error(), cause: err}
	}
	req.Header.Set("apikey", c.apiKey)
	token := c.apiKey
	if c.tokens != nil {
		if t := c.tokens.AccessToken(); t != "" {
			token = t
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, errorFromResponse(resp.StatusCode, respBody)
}

func errorFromResponse(status int, body []byte) *Error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
		Hint    string `json:"hint"`
	}
	_ = sonic.ConfigStd.Unmarshal(body, &payload)
	if payload.Message == "" {
		payload.Message = http.StatusText(status)
	}
	return classifyResponse(status, payload.Code, payload.Message, columnFromMessage(payload.Message))
}

// columnFromMessage extracts the column identifier from an undefined-column
// message ("column dailies.user_id does not exist"). Classification never
// depends on this; it only names the column to heal.
func columnFromMessage(message string) string {
	const prefix = "column "
	idx := strings.Index(message, prefix)
	if idx < 0 {
		return ""
	}
	rest := message[idx+len(prefix):]
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		end = len(rest)
	}
	col := strings.Trim(rest[:end], `"'`)
	if dot := strings.LastIndexByte(col, '.'); dot >= 0 {
		col = col[dot+1:]
	}
	return col
}

func firstRow(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] != '[' {
		return trimmed, nil
	}
	var rows []sonic.NoCopyRawMessage
	if err := sonic.ConfigStd.Unmarshal(trimmed, &rows); err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "malformed response: " + err.Error(), cause: err}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return append([]byte(nil), rows[0]...), nil
}

func backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 0.2 * d
	return time.Duration(d + (rand.Float64()-0.5)*2*jitter)
}
