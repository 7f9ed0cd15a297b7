// ABOUTME: HTTP API handlers for the conversation endpoints
// ABOUTME: Batch replies are returned as a JSON array, streamed replies as flushed JSON lines

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/relay-gateway/internal/conversation"
	"github.com/2389/relay-gateway/internal/relay"
)

// handleHealth returns 200 OK if the server is running.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]string{"component": "bot"})
}

// handleLog returns every record of a conversation, oldest first.
func (g *Gateway) handleLog(w http.ResponseWriter, r *http.Request) {
	records := g.log.Get(r.PathValue("id"))
	g.sendJSON(w, http.StatusOK, records)
}

// handleSay handles GET /conversations/{id}/say?message=&uuid=&stream=.
func (g *Gateway) handleSay(w http.ResponseWriter, r *http.Request) {
	req, err := parseSayRequest(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.conversation.Handle(r.Context(), req)
	if err != nil {
		g.sendHandleError(w, req, err)
		return
	}

	switch {
	case result.Restarted:
		g.sendJSON(w, http.StatusOK, []relay.Reply{})
	case result.Stream != nil:
		g.streamReplies(w, r, req.ConversationID, result.Stream)
	default:
		replies := make([]relay.Reply, len(result.Replies))
		for i, reply := range result.Replies {
			replies[i] = withRecipient(reply, req.ConversationID)
		}
		g.sendJSON(w, http.StatusOK, replies)
	}
}

// parseSayRequest reads the say parameters from the path and query string.
func parseSayRequest(r *http.Request) (*conversation.SayRequest, error) {
	q := r.URL.Query()

	req := &conversation.SayRequest{
		ConversationID: r.PathValue("id"),
		Text:           q.Get("message"),
		CorrelationID:  q.Get("uuid"),
	}
	if req.Text == "" {
		return nil, conversation.ErrEmptyMessage
	}

	if raw := q.Get("stream"); raw != "" {
		stream, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("stream must be a boolean")
		}
		req.Stream = stream
	}
	return req, nil
}

// sendHandleError maps a service error to an HTTP status.
func (g *Gateway) sendHandleError(w http.ResponseWriter, req *conversation.SayRequest, err error) {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage), errors.Is(err, conversation.ErrMissingConversation):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrPersist):
		g.logger.Error("failed to save conversation", "conversation_id", req.ConversationID, "error", err)
		w.Header().Set("Retry-After", "1")
		g.sendJSONError(w, http.StatusServiceUnavailable, "conversation could not be saved, retry")
	case errors.Is(err, conversation.ErrProcessing):
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
	default:
		g.logger.Error("say failed", "conversation_id", req.ConversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// streamReplies writes each reply as one JSON line, flushing after every
// line. A producer failure is written as a final {"error": ...} line.
func (g *Gateway) streamReplies(w http.ResponseWriter, r *http.Request, conversationID string, stream *relay.Relay) {
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		ev, err := stream.Next(r.Context())
		if err != nil {
			// client went away
			g.logger.Debug("stream consumer stopped", "conversation_id", conversationID, "error", err)
			return
		}

		if ev.Final {
			if ev.Err != nil {
				g.logger.Warn("stream ended with error", "conversation_id", conversationID, "error", ev.Err)
				_ = enc.Encode(map[string]string{"error": ev.Err.Error()})
				flusher.Flush()
			}
			return
		}

		if err := enc.Encode(withRecipient(ev.Reply, conversationID)); err != nil {
			g.logger.Debug("failed to write stream line", "conversation_id", conversationID, "error", err)
			return
		}
		flusher.Flush()
	}
}

// handleTail streams records appended to a conversation after the request
// arrives, one JSON object per line.
func (g *Gateway) handleTail(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conversationID := r.PathValue("id")
	records, _ := g.broadcaster.Subscribe(r.Context(), conversationID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := enc.Encode(rec); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// withRecipient fills an empty recipient id with the conversation id.
func withRecipient(reply relay.Reply, conversationID string) relay.Reply {
	if reply.RecipientID == "" {
		reply.RecipientID = conversationID
	}
	return reply
}

// sendJSON writes v as a JSON response body.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
