// Package collection is the typed client for the remote question
// collection. It attaches concurrency tokens and idempotency keys to writes
// and normalizes list responses into one shape.
package collection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/qbanksync/internal/filter"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderIfMatch        = "If-Match"
	HeaderIfNoneMatch    = "If-None-Match"
	HeaderETag           = "ETag"
	HeaderCorrelationID  = "X-Correlation-Id"

	questionsPath = "/v1/questions"
)

// Collection is the remote record collection as seen by the list screen.
type Collection interface {
	List(ctx context.Context, spec filter.Spec, cursor string) (PageResult, error)
	Get(ctx context.Context, id int64) (Record, error)
	Create(ctx context.Context, in RecordInput) (Record, error)
	Update(ctx context.Context, id int64, in RecordInput) (Record, error)
	Delete(ctx context.Context, id int64) (DeleteResult, error)
	Restore(ctx context.Context, id int64, in RecordInput) (Record, error)
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Tokens     *TokenStore
	Keys       KeyGenerator
	Logger     *zap.Logger
	// MaxRetries bounds retries of transport errors, 429 and 5xx. Zero
	// selects the default; a negative value disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	tokens     *TokenStore
	keys       KeyGenerator
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ Collection = (*HTTPClient)(nil)

func NewHTTPClient(opts ClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = NewTokenStore()
	}
	keys := opts.Keys
	if keys == nil {
		keys = UUIDKeys
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := opts.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = 3
	case maxRetries < 0:
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		tokens:     tokens,
		keys:       keys,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// Tokens exposes the concurrency token store used by this client.
func (c *HTTPClient) Tokens() *TokenStore {
	return c.tokens
}

func (c *HTTPClient) List(ctx context.Context, spec filter.Spec, cursor string) (out PageResult, err error) {
	start := time.Now()
	defer func() { observe("list", start, err) }()
	resp, err := c.do(ctx, "list", http.MethodGet, questionsPath+"?"+listQuery(spec, cursor).Encode(), nil, nil)
	if err != nil {
		return PageResult{}, err
	}
	return normalizeListBody(resp.body)
}

func (c *HTTPClient) Get(ctx context.Context, id int64) (out Record, err error) {
	start := time.Now()
	defer func() { observe("get", start, err) }()
	resp, err := c.do(ctx, "get", http.MethodGet, recordPath(id), nil, nil)
	if err != nil {
		return Record{}, c.recordFailure(err, id, "")
	}
	return c.captureRecord(id, resp)
}

func (c *HTTPClient) Create(ctx context.Context, in RecordInput) (out Record, err error) {
	start := time.Now()
	defer func() { observe("create", start, err) }()
	if err := ValidateInput(in); err != nil {
		return Record{}, err
	}
	headers := map[string]string{HeaderIdempotencyKey: c.keys.NewKey()}
	resp, err := c.do(ctx, "create", http.MethodPost, questionsPath, headers, in)
	if err != nil {
		return Record{}, err
	}
	return c.captureRecord(0, resp)
}

// Update sends in as a conditional write guarded by the last token seen
// for id. A stale token yields a *PreconditionError and changes nothing.
func (c *HTTPClient) Update(ctx context.Context, id int64, in RecordInput) (out Record, err error) {
	start := time.Now()
	defer func() { observe("update", start, err) }()
	if err := ValidateInput(in); err != nil {
		return Record{}, err
	}
	headers := map[string]string{HeaderIdempotencyKey: c.keys.NewKey()}
	token, _ := c.tokens.Get(id)
	if token != "" {
		headers[HeaderIfMatch] = token
	}
	resp, err := c.do(ctx, "update", http.MethodPut, recordPath(id), headers, in)
	if err != nil {
		return Record{}, c.recordFailure(err, id, token)
	}
	return c.captureRecord(id, resp)
}

// Delete removes id, guarded by the last token seen for it. The token is
// forgotten once the record is gone.
func (c *HTTPClient) Delete(ctx context.Context, id int64) (out DeleteResult, err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()
	headers := map[string]string{HeaderIdempotencyKey: c.keys.NewKey()}
	token, _ := c.tokens.Get(id)
	if token != "" {
		headers[HeaderIfMatch] = token
	}
	resp, err := c.do(ctx, "delete", http.MethodDelete, recordPath(id), headers, nil)
	if err != nil {
		return DeleteResult{}, c.recordFailure(err, id, token)
	}
	c.tokens.Forget(id)
	if len(bytes.TrimSpace(resp.body)) > 0 {
		if err := json.Unmarshal(resp.body, &out); err != nil {
			c.logger.Warn("ignoring undecodable delete body", zap.Int64("id", id), zap.Error(err))
		}
	}
	return out, nil
}

// Restore re-creates a deleted record under its old id. The write only
// succeeds if nothing currently exists at that id.
func (c *HTTPClient) Restore(ctx context.Context, id int64, in RecordInput) (out Record, err error) {
	start := time.Now()
	defer func() { observe("restore", start, err) }()
	if err := ValidateInput(in); err != nil {
		return Record{}, err
	}
	headers := map[string]string{
		HeaderIdempotencyKey: c.keys.NewKey(),
		HeaderIfNoneMatch:    "*",
	}
	resp, err := c.do(ctx, "restore", http.MethodPut, recordPath(id), headers, in)
	if err != nil {
		return Record{}, classify(err, id, "")
	}
	return c.captureRecord(id, resp)
}

func (c *HTTPClient) recordFailure(err error, id int64, token string) error {
	err = classify(err, id, token)
	if _, ok := err.(*NotFoundError); ok {
		c.tokens.Forget(id)
	}
	return err
}

func (c *HTTPClient) captureRecord(id int64, resp response) (Record, error) {
	var rec Record
	if err := json.Unmarshal(resp.body, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if rec.ID == 0 {
		rec.ID = id
	}
	c.tokens.Set(rec.ID, resp.header.Get(HeaderETag))
	return rec, nil
}

// listQuery renders spec in the service's vocabulary. Paging, sort and
// order are always sent explicitly so the service's own defaults never apply.
func listQuery(spec filter.Spec, cursor string) url.Values {
	q := url.Values{}
	if spec.Query != "" {
		q.Set(filter.ParamQuery, spec.Query)
	}
	if spec.TopicID > 0 {
		q.Set(filter.ParamTopicID, strconv.FormatInt(spec.TopicID, 10))
	} else if spec.Topic != "" {
		q.Set(filter.ParamTopic, spec.Topic)
	}
	if spec.Difficulty != filter.DifficultyAny {
		q.Set(filter.ParamDifficulty, string(spec.Difficulty))
	}
	if spec.Status != filter.StatusAny {
		q.Set(filter.ParamStatus, string(spec.Status))
	}
	pageSize := spec.PageSize
	if pageSize <= 0 {
		pageSize = filter.DefaultPageSize
	}
	q.Set(filter.ParamPageSize, strconv.Itoa(pageSize))
	if spec.SortBy != "" {
		q.Set(filter.ParamSortBy, string(spec.SortBy))
	}
	if spec.Order != "" {
		q.Set(filter.ParamOrder, string(spec.Order))
	}
	if spec.Keyset {
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		return q
	}
	page := spec.Page
	if page < 1 {
		page = filter.DefaultPage
	}
	q.Set(filter.ParamPage, strconv.Itoa(page))
	return q
}

func recordPath(id int64) string {
	return questionsPath + "/" + strconv.FormatInt(id, 10)
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends one logical request. Retries resend the same body and headers,
// so a mutation keeps its idempotency key across attempts.
func (c *HTTPClient) do(
	ctx context.Context,
	op, method, requestPath string,
	headers map[string]string,
	body any,
) (response, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return response{}, err
		}
	}
	correlationID := correlationID()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return response{}, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set(HeaderCorrelationID, correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				c.logger.Debug("retrying after transport error",
					zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
				retriesTotal.WithLabelValues(op).Inc()
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return response{}, waitErr
				}
				continue
			}
			return response{}, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return response{}, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return response{status: resp.StatusCode, header: resp.Header, body: payload}, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.logger.Debug("retrying after status",
				zap.String("op", op), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			retriesTotal.WithLabelValues(op).Inc()
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return response{}, waitErr
			}
			continue
		}
		httpErr := newHTTPError(resp.StatusCode, payload)
		c.logger.Debug("collection request failed",
			zap.String("op", op),
			zap.String("correlation_id", correlationID),
			zap.Int("status", resp.StatusCode),
			zap.String("message", httpErr.Message))
		return response{}, httpErr
	}
}

func correlationID() string {
	return fmt.Sprintf("qbank_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
