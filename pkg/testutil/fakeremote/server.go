// Package fakeremote is an in-process stand-in for the managed remote store:
// PostgREST-style table endpoints plus the realtime websocket, with switches
// for unprovisioned tables and injected failures.
package fakeremote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"caresync/internal/domain"
	"caresync/internal/store/remote/rest"
)

// Server holds tables in memory and fans out change frames to joined sockets.
type Server struct {
	*httptest.Server

	Key string

	mu       sync.Mutex
	tables   map[string][]domain.Record
	failures []int
	requests int
	conns    map[*wsConn]struct{}
	joins    chan string
}

type wsConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	topics map[string]bool
}

func (c *wsConn) send(f rest.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// New starts a server accepting key. Tables start unprovisioned.
func New(key string) *Server {
	s := &Server{
		Key:    key,
		tables: make(map[string][]domain.Record),
		conns:  make(map[*wsConn]struct{}),
		joins:  make(chan string, 64),
	}

	r := chi.NewRouter()
	r.Get("/realtime/v1/websocket", s.handleSocket)
	r.Route("/rest/v1/{table}", func(r chi.Router) {
		r.Use(s.authorize, s.injectFailures)
		r.Get("/", s.handleSelect)
		r.Post("/", s.handleWrite)
		r.Delete("/", s.handleDelete)
	})
	s.Server = httptest.NewServer(r)
	return s
}

// Close drops websocket clients and stops the listener.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

// Provision creates empty tables.
func (s *Server) Provision(tables ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tables {
		if _, ok := s.tables[t]; !ok {
			s.tables[t] = []domain.Record{}
		}
	}
}

// Rows returns a copy of a table's rows, or nil for an unprovisioned table.
func (s *Server) Rows(table string) []domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		return nil
	}
	return append([]domain.Record{}, rows...)
}

// FailNext makes the next len(statuses) REST calls answer with those statuses.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// Requests counts REST calls received, failed ones included.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Joins yields the topic of every accepted phx_join.
func (s *Server) Joins() <-chan string {
	return s.joins
}

// WaitJoin blocks until a client joins topic or the timeout passes.
func (s *Server) WaitJoin(topic string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case got := <-s.joins:
			if got == topic {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// Emit pushes a change frame to every socket joined to the table, without
// touching stored rows. Tests use it to replay or duplicate events.
func (s *Server) Emit(table string, data rest.ChangeData) {
	data.Table = table
	if data.CommitTimestamp == "" {
		data.CommitTimestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	payload, _ := json.Marshal(map[string]any{"data": data})
	frame := rest.Frame{Topic: rest.Topic(table), Event: "postgres_changes", Payload: payload}

	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		joined := c.topics[frame.Topic]
		c.mu.Unlock()
		if joined {
			_ = c.send(frame)
		}
	}
}

// DropConnections closes every websocket, forcing clients to reconnect.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[*wsConn]struct{})
	s.mu.Unlock()
	for c := range conns {
		c.conn.Close()
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != s.Key || r.Header.Get("Authorization") != "Bearer "+s.Key {
			writeError(w, http.StatusUnauthorized, "PGRST301", "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		status := 0
		if len(s.failures) > 0 {
			status = s.failures[0]
			s.failures = s.failures[1:]
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, "", http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// table looks up a provisioned table or answers the schema-cache miss.
func (s *Server) table(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "table")
	if _, ok := s.tables[name]; !ok {
		writeError(w, http.StatusNotFound, "PGRST205",
			fmt.Sprintf("Could not find the table 'public.%s' in the schema cache", name))
		return "", false
	}
	return name, true
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	name, ok := s.table(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	rows := append([]domain.Record{}, s.tables[name]...)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var rows []domain.Record
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		writeError(w, http.StatusBadRequest, "PGRST102", "invalid body")
		return
	}
	upsert := r.URL.Query().Get("on_conflict") == "id" &&
		strings.Contains(r.Header.Get("Prefer"), "resolution=merge-duplicates")

	var events []rest.ChangeData
	s.mu.Lock()
	name, ok := s.table(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	table := s.tables[name]
	for _, row := range rows {
		i := domain.IndexOf(table, row.ID())
		switch {
		case i >= 0 && !upsert:
			s.mu.Unlock()
			writeError(w, http.StatusConflict, "23505", "duplicate key value violates unique constraint")
			return
		case i >= 0:
			old := table[i]
			merged := old.Clone()
			for k, v := range row {
				merged[k] = v
			}
			table[i] = merged
			events = append(events, rest.ChangeData{Type: "UPDATE", Record: merged, OldRecord: domain.Record{"id": old.ID()}})
		default:
			table = append(table, row)
			events = append(events, rest.ChangeData{Type: "INSERT", Record: row})
		}
	}
	s.tables[name] = table
	s.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
	for _, ev := range events {
		s.Emit(name, ev)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")

	var deleted bool
	s.mu.Lock()
	name, ok := s.table(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	table := s.tables[name]
	if i := domain.IndexOf(table, id); i >= 0 {
		s.tables[name] = append(table[:i:i], table[i+1:]...)
		deleted = true
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
	if deleted {
		s.Emit(name, rest.ChangeData{Type: "DELETE", OldRecord: domain.Record{"id": id}})
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("apikey") != s.Key {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn, topics: make(map[string]bool)}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var f rest.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Event {
		case "phx_join":
			c.mu.Lock()
			c.topics[f.Topic] = true
			c.mu.Unlock()
			_ = c.send(reply(f, "ok"))
			select {
			case s.joins <- f.Topic:
			default:
			}
		case "phx_leave":
			c.mu.Lock()
			delete(c.topics, f.Topic)
			c.mu.Unlock()
			_ = c.send(reply(f, "ok"))
		case "heartbeat":
			_ = c.send(reply(f, "ok"))
		}
	}
}

func reply(f rest.Frame, status string) rest.Frame {
	payload, _ := json.Marshal(map[string]any{"status": status, "response": map[string]any{}})
	return rest.Frame{Topic: f.Topic, Event: "phx_reply", Payload: payload, Ref: f.Ref}
}
