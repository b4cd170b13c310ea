// Package api serves the request/response side of the channel protocol:
// the one-shot bootstrap read of history, the validated edit and delete
// mutations, and the live typing roster. Creates do not pass through here;
// they ride the duplex channel, because append has no conflicting-write
// concern. Edits and deletes come through HTTP so the actor gets a
// definitive success or typed failure before anything is broadcast.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/studentcorner/corner-chat/internal/chat"
	"github.com/studentcorner/corner-chat/internal/metrics"
	"github.com/studentcorner/corner-chat/internal/protocol"
)

// Fanout delivers a server->client frame to every live connection (and,
// when relaying is enabled, to the other server instances).
type Fanout func(frame []byte)

// Handler exposes the channel's HTTP surface.
type Handler struct {
	channel *chat.Channel
	fanout  Fanout
	mux     *http.ServeMux
}

// New builds the HTTP handler for the given channel. fanout is called only
// after a mutation has been applied by the authoritative log; failed
// mutations never broadcast.
func New(channel *chat.Channel, fanout Fanout) *Handler {
	h := &Handler{channel: channel, fanout: fanout}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat/messages", h.listMessages)
	mux.HandleFunc("PUT /chat/messages/{ts}", h.editMessage)
	mux.HandleFunc("DELETE /chat/messages/{ts}", h.deleteMessage)
	mux.HandleFunc("GET /chat/typing", h.listTyping)
	h.mux = mux

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// listMessages is the bootstrap read: the full current ordered history.
// Clients call it once before opening the duplex channel.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs := h.channel.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		log.Printf("api: encode messages: %v", err)
	}
}

// editRequest is the body of an edit mutation. The username is the
// already-authenticated actor identity; authorization against the stored
// author happens at the log, never here.
type editRequest struct {
	Username   string `json:"username"`
	NewContent string `json:"new_content"`
}

func (h *Handler) editMessage(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(r.PathValue("ts"), 10, 64)
	if err != nil {
		http.Error(w, "invalid timestamp", http.StatusBadRequest)
		return
	}

	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	msg, err := h.channel.Edit(r.Context(), ts, req.Username, req.NewContent)
	if err != nil {
		h.writeMutationError(w, err)
		return
	}

	frame, err := protocol.NewServerMessage(protocol.TypeEdited, protocol.EditedMsg{
		Timestamp: msg.Timestamp,
		Content:   msg.Content,
	})
	if err != nil {
		log.Printf("api: build edited frame ts=%d: %v", ts, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	metrics.EventsTotal.WithLabelValues("edited").Inc()
	h.fanout(frame)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(r.PathValue("ts"), 10, 64)
	if err != nil {
		http.Error(w, "invalid timestamp", http.StatusBadRequest)
		return
	}

	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	if err := h.channel.Delete(r.Context(), ts, username); err != nil {
		h.writeMutationError(w, err)
		return
	}

	frame, err := protocol.NewServerMessage(protocol.TypeDeleted, protocol.DeletedMsg{
		Timestamp: ts,
	})
	if err != nil {
		log.Printf("api: build deleted frame ts=%d: %v", ts, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	metrics.EventsTotal.WithLabelValues("deleted").Inc()
	h.fanout(frame)

	w.WriteHeader(http.StatusNoContent)
}

// listTyping reports the participants whose typing signal is currently
// live. Mostly useful for debugging; clients track typing from the
// duplex channel.
func (h *Handler) listTyping(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Typing []string `json:"typing"`
	}{
		Typing: h.channel.TypingNow(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeMutationError maps log errors onto HTTP statuses. A forbidden edit
// denies the action without revealing who the real author is.
func (h *Handler) writeMutationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		metrics.MutationFailures.WithLabelValues("not_found").Inc()
		http.Error(w, "message not found", http.StatusNotFound)
	case errors.Is(err, chat.ErrForbidden):
		metrics.MutationFailures.WithLabelValues("forbidden").Inc()
		http.Error(w, "not allowed", http.StatusForbidden)
	default:
		metrics.MutationFailures.WithLabelValues("invalid").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
