package convsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ============================================================================
// RemoteDocumentStore
// ============================================================================

const (
	DefaultRemoteTimeout = 30 * time.Second
	idempotencyHeader    = "Idempotency-Key"
)

// result is the response envelope of every REST endpoint.
type result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (r *result) decode(v any) error {
	if v == nil || len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// RemoteDocumentStore talks to the conversation service: REST for queries and
// writes, a WebSocket channel for listeners. It also uploads images.
type RemoteDocumentStore struct {
	baseURL  string
	token    string
	http     *resty.Client
	realtime *RealtimeClient
	rtConfig RealtimeConfig
	log      *zap.Logger
}

// RemoteOption configures a RemoteDocumentStore.
type RemoteOption func(*RemoteDocumentStore)

func WithRemoteTimeout(d time.Duration) RemoteOption {
	return func(r *RemoteDocumentStore) { r.http.SetTimeout(d) }
}

// WithRemoteHTTPClient replaces the HTTP client used by REST and the
// WebSocket handshake.
func WithRemoteHTTPClient(hc *http.Client) RemoteOption {
	return func(r *RemoteDocumentStore) {
		r.http = resty.NewWithClient(hc).SetBaseURL(r.baseURL).SetTimeout(hc.Timeout)
		r.rtConfig.HTTPClient = hc
	}
}

func WithRemoteLogger(log *zap.Logger) RemoteOption {
	return func(r *RemoteDocumentStore) { r.log = log }
}

func WithRealtimeConfig(c RealtimeConfig) RemoteOption {
	return func(r *RemoteDocumentStore) {
		hc := r.rtConfig.HTTPClient
		r.rtConfig = c
		if r.rtConfig.HTTPClient == nil {
			r.rtConfig.HTTPClient = hc
		}
	}
}

// NewRemoteDocumentStore creates a store for the service at baseURL,
// authenticating with a bearer token.
func NewRemoteDocumentStore(baseURL, token string, opts ...RemoteOption) *RemoteDocumentStore {
	baseURL = strings.TrimRight(baseURL, "/")
	r := &RemoteDocumentStore{
		baseURL:  baseURL,
		token:    token,
		http:     resty.New().SetBaseURL(baseURL).SetTimeout(DefaultRemoteTimeout),
		rtConfig: DefaultRealtimeConfig,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if token != "" {
		r.http.SetAuthToken(token)
	}
	r.http.SetHeader("Accept", "application/json")
	r.realtime = NewRealtimeClient(baseURL, token, r.rtConfig, r.log.Named("realtime"))
	return r
}

// Realtime exposes the WebSocket channel.
func (r *RemoteDocumentStore) Realtime() *RealtimeClient { return r.realtime }

// Close drops every listener and closes the channel.
func (r *RemoteDocumentStore) Close() error {
	return r.realtime.Close()
}

// ── Internal request helper ──────────────────────────────

func (r *RemoteDocumentStore) do(ctx context.Context, method, path string, body any, query map[string]string, headers map[string]string, out any) error {
	req := r.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return newError(CodeTransient, "request failed", err)
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *resty.Response, out any) error {
	var env result
	parseErr := json.Unmarshal(resp.Body(), &env)

	switch resp.StatusCode() {
	case http.StatusNotFound:
		return envelopeError(&env, CodeNotFound, "not found")
	case http.StatusForbidden:
		return envelopeError(&env, CodePermissionDenied, "permission denied")
	}
	if resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests {
		return envelopeError(&env, CodeTransient, fmt.Sprintf("HTTP %d", resp.StatusCode()))
	}
	if parseErr != nil {
		return newError(CodeInternal, fmt.Sprintf("HTTP %d: invalid response", resp.StatusCode()), parseErr)
	}
	if !env.OK || resp.IsError() {
		return envelopeError(&env, CodeInternal, fmt.Sprintf("HTTP %d", resp.StatusCode()))
	}
	if err := env.decode(out); err != nil {
		return newError(CodeInternal, "failed to unmarshal response", err)
	}
	return nil
}

// envelopeError keeps the server's message but forces the status-derived code
// so errors.Is works regardless of what the body says.
func envelopeError(env *result, code ErrorCode, fallback string) error {
	msg := fallback
	if env.Error != nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	if code == CodeInternal && env.Error != nil && env.Error.Code != "" {
		code = env.Error.Code
	}
	return newError(code, msg, nil)
}

func conversationPath(id string) string {
	return "/v1/conversations/" + url.PathEscape(id)
}

func messagesPath(id string) string {
	return conversationPath(id) + "/messages"
}

// ── Listeners ────────────────────────────────────────────

func (r *RemoteDocumentStore) SubscribeMessages(ctx context.Context, conversationID string, limit int, fn func([]Message), onErr func(error)) (Unsubscribe, error) {
	return r.realtime.SubscribeMessages(ctx, conversationID, limit, fn, onErr)
}

func (r *RemoteDocumentStore) SubscribeConversation(ctx context.Context, conversationID string, fn func(Conversation), onErr func(error)) (Unsubscribe, error) {
	return r.realtime.SubscribeConversation(ctx, conversationID, fn, onErr)
}

// ── Messages ─────────────────────────────────────────────

func (r *RemoteDocumentStore) QueryMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	q := map[string]string{"order": "desc"}
	if !before.IsZero() {
		q["before"] = before.UTC().Format(time.RFC3339Nano)
	}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	var msgs []Message
	if err := r.do(ctx, http.MethodGet, messagesPath(conversationID), nil, q, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *RemoteDocumentStore) CreateMessage(ctx context.Context, conversationID string, msg Message, idempotencyKey string) (Message, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{idempotencyHeader: idempotencyKey}
	}
	body := msg.normalized()
	body.ID = ""
	body.DeliveryState = DeliveryNone
	body.IdempotencyKey = idempotencyKey
	var created Message
	if err := r.do(ctx, http.MethodPost, messagesPath(conversationID), body, nil, headers, &created); err != nil {
		return Message{}, err
	}
	return created, nil
}

func (r *RemoteDocumentStore) LatestMessage(ctx context.Context, conversationID string) (Message, bool, error) {
	var msgs []Message
	q := map[string]string{"order": "desc", "limit": "1"}
	if err := r.do(ctx, http.MethodGet, messagesPath(conversationID), nil, q, nil, &msgs); err != nil {
		return Message{}, false, err
	}
	if len(msgs) == 0 {
		return Message{}, false, nil
	}
	return msgs[0], true, nil
}

func (r *RemoteDocumentStore) CountMessagesAfter(ctx context.Context, conversationID string, after time.Time, excludeSender string) (int, error) {
	q := map[string]string{}
	if !after.IsZero() {
		q["after"] = after.UTC().Format(time.RFC3339Nano)
	}
	if excludeSender != "" {
		q["excludeSender"] = excludeSender
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := r.do(ctx, http.MethodGet, messagesPath(conversationID)+":count", nil, q, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// ── Conversations ────────────────────────────────────────

type conversationDoc struct {
	ID  string         `json:"id"`
	Doc map[string]any `json:"doc"`
}

func (r *RemoteDocumentStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var d conversationDoc
	if err := r.do(ctx, http.MethodGet, conversationPath(conversationID), nil, nil, nil, &d); err != nil {
		return Conversation{}, err
	}
	return ConversationFromDoc(conversationID, d.Doc), nil
}

func (r *RemoteDocumentStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	var docs []conversationDoc
	if err := r.do(ctx, http.MethodGet, "/v1/conversations", nil, map[string]string{"participant": userID}, nil, &docs); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(docs))
	for _, d := range docs {
		out = append(out, ConversationFromDoc(d.ID, d.Doc))
	}
	return out, nil
}

func (r *RemoteDocumentStore) UpdateConversation(ctx context.Context, conversationID string, fields map[string]any) error {
	return r.do(ctx, http.MethodPatch, conversationPath(conversationID), encodeFields(fields), nil, nil, nil)
}

func (r *RemoteDocumentStore) SetConversation(ctx context.Context, conversationID string, fields map[string]any, merge bool) error {
	q := map[string]string{"merge": strconv.FormatBool(merge)}
	return r.do(ctx, http.MethodPut, conversationPath(conversationID), encodeFields(fields), q, nil, nil)
}

// encodeFields renders timestamps as RFC 3339 in UTC, nested maps included.
func encodeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case time.Time:
			out[k] = t.UTC().Format(time.RFC3339Nano)
		case map[string]any:
			out[k] = encodeFields(t)
		default:
			out[k] = v
		}
	}
	return out
}

// ── Uploads ──────────────────────────────────────────────

// Upload stores a local image and returns its URL.
func (r *RemoteDocumentStore) Upload(ctx context.Context, localPath string) (string, error) {
	resp, err := r.http.R().
		SetContext(ctx).
		SetFile("file", localPath).
		SetFormData(map[string]string{"fileName": filepath.Base(localPath)}).
		Post("/v1/uploads")
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(localPath), err)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", newError(CodeInternal, "upload returned no url", nil)
	}
	return out.URL, nil
}
