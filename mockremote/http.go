package mockremote

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/message"
	"github.com/opd-ai/chatsync/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The mock remote serves local demos and tests only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler exposes the simulated remote over HTTP: the REST surface the
// RESTClient expects plus the /ws push channel.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/conversations", s.handleConversations)
	r.Get("/conversations/{conversationID}/messages", s.handleFetch)
	r.Post("/conversations/{conversationID}/messages", s.handleSend)
	r.Post("/uploads", s.handleUpload)
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.Conversations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, err := s.Fetch(r.Context(),
		chi.URLParam(r, "conversationID"),
		r.URL.Query().Get("before"),
		limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var content message.Content
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	msg, err := s.Send(r.Context(), chi.URLParam(r, "conversationID"), content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LocalRef string `json:"local_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	url, err := s.Upload(r.Context(), body.LocalRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{"function": "writeJSON"}).WithError(err).Warn("response encode failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transport.ErrConversationNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, message.ErrEmptyContent):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

// subscriber is one connected push client. Events are fanned out over
// a buffered channel; a subscriber that cannot keep up loses events
// rather than blocking the rest.
type subscriber struct {
	conn      *websocket.Conn
	send      chan transport.Event
	closeOnce chan struct{}
}

func (sub *subscriber) close() {
	select {
	case <-sub.closeOnce:
	default:
		close(sub.closeOnce)
		sub.conn.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "handleWS"}).WithError(err).Warn("websocket upgrade failed")
		return
	}
	sub := &subscriber{
		conn:      conn,
		send:      make(chan transport.Event, 64),
		closeOnce: make(chan struct{}),
	}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	go s.writeLoop(sub)
	go s.readLoop(sub)
}

func (s *Server) writeLoop(sub *subscriber) {
	defer s.drop(sub)
	for {
		select {
		case ev := <-sub.send:
			if err := sub.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-sub.closeOnce:
			return
		case <-s.stop:
			return
		}
	}
}

// readLoop discards client frames; its job is noticing disconnects.
func (s *Server) readLoop(sub *subscriber) {
	defer s.drop(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) drop(sub *subscriber) {
	sub.close()
	s.subsMu.Lock()
	delete(s.subs, sub)
	s.subsMu.Unlock()
}

// broadcast fans an event out to every connected push subscriber.
func (s *Server) broadcast(ev transport.Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.send <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "broadcast",
				"type":     ev.Type,
			}).Debug("slow push subscriber, event dropped")
		}
	}
}
