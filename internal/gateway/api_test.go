// ABOUTME: Tests for the HTTP conversation API
// ABOUTME: Covers batch and streamed say, restart, log, tail, CORS, and rate limiting

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/processor"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
)

// failingKV wraps a KV and fails every Put while failPut is set.
type failingKV struct {
	store.KV
	failPut atomic.Bool
}

func (f *failingKV) Put(ctx context.Context, key string, records []store.Record) error {
	if f.failPut.Load() {
		return errors.New("disk full")
	}
	return f.KV.Put(ctx, key, records)
}

// twoReplies answers every message with a text reply and a button reply.
var twoReplies = processor.Func(func(ctx context.Context, conversationID, text string, sink relay.Sink) error {
	if err := sink.Accept(ctx, relay.Reply{RecipientID: conversationID, Text: "you said " + text}); err != nil {
		return err
	}
	return sink.Accept(ctx, relay.Reply{
		RecipientID: conversationID,
		Text:        "pick one",
		Buttons:     []relay.Button{{Title: "Yes", Payload: "/yes"}},
	})
})

func newTestGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = ""
	return newTestGatewayWithConfig(t, cfg, opts...)
}

func newTestGatewayWithConfig(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func serve(gw *Gateway, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeReplies(t *testing.T, rec *httptest.ResponseRecorder) []relay.Reply {
	t.Helper()
	var replies []relay.Reply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&replies))
	return replies
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

func TestHandleHealth(t *testing.T) {
	gw := newTestGateway(t)

	rec := serve(gw, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleRoot(t *testing.T) {
	gw := newTestGateway(t)

	rec := serve(gw, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"component":"bot"}`, rec.Body.String())

	rec = serve(gw, http.MethodGet, "/nowhere")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleLog_UnknownConversation(t *testing.T) {
	gw := newTestGateway(t)

	rec := serve(gw, http.MethodGet, "/conversations/ghost/log")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleSay_Validation(t *testing.T) {
	gw := newTestGateway(t, WithProcessor(twoReplies))

	tests := []struct {
		name    string
		target  string
		wantErr string
	}{
		{"missing message", "/conversations/c1/say", "message is required"},
		{"empty message", "/conversations/c1/say?message=", "message is required"},
		{"bad stream flag", "/conversations/c1/say?message=hi&stream=maybe", "stream must be a boolean"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(gw, http.MethodGet, tt.target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, rec))
		})
	}

	assert.Empty(t, gw.Log().Get("c1"), "rejected requests are not logged")
}

func TestHandleSay_Batch(t *testing.T) {
	gw := newTestGateway(t, WithProcessor(twoReplies))

	rec := serve(gw, http.MethodGet, "/conversations/c1/say?message=hello")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	replies := decodeReplies(t, rec)
	require.Len(t, replies, 2)
	assert.Equal(t, "c1", replies[0].RecipientID)
	assert.Equal(t, "you said hello", replies[0].Text)
	assert.Equal(t, "pick one", replies[1].Text)
	assert.Equal(t, []relay.Button{{Title: "Yes", Payload: "/yes"}}, replies[1].Buttons)

	// inbound, text, text, buttons
	logged := gw.Log().Get("c1")
	require.Len(t, logged, 4)
	assert.Equal(t, "c1", logged[0].Username)
	for _, r := range logged[1:] {
		assert.Equal(t, store.BotAuthor, r.Username)
		assert.Equal(t, "c1", r.UUID)
	}
}

func TestHandleSay_DefaultProcessor(t *testing.T) {
	gw := newTestGateway(t)

	rec := serve(gw, http.MethodGet, "/conversations/c1/say?message=I+had+a+cRAsh")

	require.Equal(t, http.StatusOK, rec.Code)
	replies := decodeReplies(t, rec)
	require.Len(t, replies, 1)
	assert.Equal(t, processor.CallBackPrompt, replies[0].Text)
}

func TestHandleSay_NoRepliesIsEmptyArray(t *testing.T) {
	silent := processor.Func(func(context.Context, string, string, relay.Sink) error { return nil })
	gw := newTestGateway(t, WithProcessor(silent))

	rec := serve(gw, http.MethodGet, "/conversations/c1/say?message=hi")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Len(t, gw.Log().Get("c1"), 1)
}

func TestHandleSay_Restart(t *testing.T) {
	gw := newTestGateway(t, WithProcessor(twoReplies))

	require.Equal(t, http.StatusOK, serve(gw, http.MethodGet, "/conversations/c1/say?message=hi").Code)
	require.NotEmpty(t, gw.Log().Get("c1"))

	rec := serve(gw, http.MethodGet, "/conversations/c1/say?message=_restart")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Empty(t, gw.Log().Get("c1"))

	logRec := serve(gw, http.MethodGet, "/conversations/c1/log")
	assert.JSONEq(t, `[]`, logRec.Body.String())
}

func TestHandleSay_ResubmittedUUIDLoggedOnce(t *testing.T) {
	gw := newTestGateway(t, WithProcessor(twoReplies))

	for range 2 {
		rec := serve(gw, http.MethodGet, "/conversations/c1/say?message=hi&uuid=msg-1")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	inbound := 0
	for _, r := range gw.Log().Get("c1") {
		if r.UUID == "msg-1" {
			inbound++
		}
	}
	assert.Equal(t, 1, inbound)
	// inbound, then one delivery of text, text, buttons
	assert.Len(t, gw.Log().Get("c1"), 4)
}

func TestHandleSay_PersistFailure(t *testing.T) {
	kv := &failingKV{KV: store.NewMemoryStore()}
	gw := newTestGateway(t, WithProcessor(twoReplies), WithStore(kv))

	kv.failPut.Store(true)
	rec := serve(gw, http.MethodGet, "/conversations/c1/say?message=hi&uuid=msg-1")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Empty(t, gw.Log().Get("c1"))

	// The same uuid is accepted once storage recovers
	kv.failPut.Store(false)
	rec = serve(gw, http.MethodGet, "/conversations/c1/say?message=hi&uuid=msg-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "msg-1", gw.Log().Get("c1")[0].UUID)
}

func TestHandleSay_ProcessorError(t *testing.T) {
	failing := processor.Func(func(ctx context.Context, conversationID, text string, sink relay.Sink) error {
		_ = sink.Accept(ctx, relay.Reply{RecipientID: conversationID, Text: "partial"})
		return errors.New("backend unavailable")
	})
	gw := newTestGateway(t, WithProcessor(failing))

	rec := serve(gw, http.MethodGet, "/conversations/c1/say?message=hi")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeError(t, rec), "backend unavailable")
	assert.Len(t, gw.Log().Get("c1"), 2, "inbound and partial reply are kept")
}

func readLines(t *testing.T, body string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for line := range strings.Lines(body) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line %q", line)
		lines = append(lines, m)
	}
	return lines
}

func TestHandleSay_Stream(t *testing.T) {
	gw := newTestGateway(t, WithProcessor(twoReplies))

	rec := serve(gw, http.MethodGet, "/conversations/c1/say?message=hello&stream=true")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	lines := readLines(t, rec.Body.String())
	require.Len(t, lines, 2)
	assert.Equal(t, "you said hello", lines[0]["text"])
	assert.Equal(t, "c1", lines[0]["recipient_id"])
	assert.Equal(t, "pick one", lines[1]["text"])

	// streamed replies are logged like batch ones
	assert.Len(t, gw.Log().Get("c1"), 4)
}

func TestHandleSay_StreamProducerError(t *testing.T) {
	failing := processor.Func(func(ctx context.Context, conversationID, text string, sink relay.Sink) error {
		if err := sink.Accept(ctx, relay.Reply{RecipientID: conversationID, Text: "working on it"}); err != nil {
			return err
		}
		return errors.New("backend unavailable")
	})
	gw := newTestGateway(t, WithProcessor(failing))

	rec := serve(gw, http.MethodGet, "/conversations/c1/say?message=hi&stream=1")

	require.Equal(t, http.StatusOK, rec.Code)
	lines := readLines(t, rec.Body.String())
	require.Len(t, lines, 2)
	assert.Equal(t, "working on it", lines[0]["text"])
	assert.Equal(t, "backend unavailable", lines[1]["error"])
}

func TestHandleSay_StreamFalseIsBatch(t *testing.T) {
	gw := newTestGateway(t, WithProcessor(twoReplies))

	rec := serve(gw, http.MethodGet, "/conversations/c1/say?message=hi&stream=false")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Len(t, decodeReplies(t, rec), 2)
}

func TestHandleTail(t *testing.T) {
	gw := newTestGateway(t, WithProcessor(twoReplies))
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/conversations/c1/tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	// Headers are flushed after the subscription is registered
	require.Eventually(t, func() bool {
		return gw.broadcaster.SubscriberCount("c1") == 1
	}, time.Second, 10*time.Millisecond)

	sayResp, err := http.Get(srv.URL + "/conversations/c1/say?message=hi")
	require.NoError(t, err)
	sayResp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var got []store.Record
	for len(got) < 4 && scanner.Scan() {
		var rec store.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		got = append(got, rec)
	}
	require.Len(t, got, 4)
	assert.Equal(t, "c1", got[0].Username)
	assert.Equal(t, store.BotAuthor, got[3].Username)
}

func TestCORS(t *testing.T) {
	t.Run("wildcard", func(t *testing.T) {
		gw := newTestGateway(t)
		rec := serve(gw, http.MethodGet, "/health")
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("allow list", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Server.GRPCAddr = ""
		cfg.CORS.AllowedOrigins = []string{"https://chat.example.com"}
		gw := newTestGatewayWithConfig(t, cfg)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://chat.example.com")
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, req)
		assert.Equal(t, "https://chat.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))

		req = httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec = httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		gw := newTestGateway(t)
		rec := serve(gw, http.MethodOptions, "/conversations/c1/say")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, gw.Log().Conversations())
	})
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = ""
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	gw := newTestGatewayWithConfig(t, cfg, WithProcessor(twoReplies))

	require.Equal(t, http.StatusOK, serve(gw, http.MethodGet, "/conversations/c1/say?message=hi").Code)

	rec := serve(gw, http.MethodGet, "/conversations/c1/say?message=again")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", decodeError(t, rec))

	// other endpoints are not limited
	assert.Equal(t, http.StatusOK, serve(gw, http.MethodGet, "/conversations/c1/log").Code)
}

func TestClientLimiter_PrunesIdleClients(t *testing.T) {
	l := newClientLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := range limiterPruneThreshold {
		l.allow(strings.Repeat("x", i+1))
	}
	require.Len(t, l.clients, limiterPruneThreshold)

	now = now.Add(limiterIdleTTL + time.Second)
	assert.True(t, l.allow("fresh"))
	assert.Len(t, l.clients, 1)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	assert.Equal(t, "203.0.113.9", clientIP(req))

	req.RemoteAddr = "not-an-addr"
	assert.Equal(t, "not-an-addr", clientIP(req))
}
