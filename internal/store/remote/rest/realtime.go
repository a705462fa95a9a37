package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"caresync/internal/domain"
	"caresync/pkg/platform/sentinel"
)

// Phoenix channel events used by the realtime endpoint.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"

	joinTimeout = 10 * time.Second
)

// Frame is one realtime websocket message.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// ChangeData is the body of a postgres_changes frame.
type ChangeData struct {
	Type            string        `json:"type"`
	Table           string        `json:"table"`
	Record          domain.Record `json:"record,omitempty"`
	OldRecord       domain.Record `json:"old_record,omitempty"`
	CommitTimestamp string        `json:"commit_timestamp"`
}

type changesPayload struct {
	Data ChangeData `json:"data"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Topic returns the channel topic for a table.
func Topic(collection string) string {
	return "realtime:public:" + collection
}

// JoinPayload is the phx_join body subscribing to every change on a table.
func JoinPayload(collection string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{
				{"event": "*", "schema": "public", "table": collection},
			},
		},
	})
	return raw
}

// ToEvent converts wire change data to a domain event.
func (d ChangeData) ToEvent(collection string) (domain.Event, bool) {
	typ, ok := domain.ParseEventType(d.Type)
	if !ok {
		return domain.Event{}, false
	}
	ev := domain.Event{
		Type:       typ,
		Collection: collection,
		New:        d.Record,
		Old:        d.OldRecord,
	}
	if ts, err := time.Parse(time.RFC3339Nano, d.CommitTimestamp); err == nil {
		ev.CommitTimestamp = ts
	}
	return ev, true
}

type subscription struct {
	client     *Client
	collection string
	handler    domain.Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ref    atomic.Uint64

	connMu sync.Mutex
	conn   *websocket.Conn
	once   sync.Once
}

// Subscribe opens the change feed for one table. The first connection and
// join happen before Subscribe returns so credential and schema problems
// surface to the caller. Afterwards the feed reconnects on its own until
// Close. Events reach handler one at a time, in the order received.
func (c *Client) Subscribe(ctx context.Context, collection string, handler domain.Handler) (domain.Subscription, error) {
	if !domain.ValidCollectionName(collection) {
		return nil, domain.NewStoreError(domain.KindFatal, "subscribe", collection, domain.ErrInvalidCollection)
	}
	if handler == nil {
		return nil, domain.NewStoreError(domain.KindFatal, "subscribe", collection, errors.New("handler is required"))
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		client:     c,
		collection: collection,
		handler:    handler,
		ctx:        subCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	connectCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancelConnect context.CancelFunc
		connectCtx, cancelConnect = context.WithTimeout(ctx, c.timeout)
		defer cancelConnect()
	}
	conn, err := s.connect(connectCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return nil, domain.NewStoreError(domain.KindFatal, "subscribe", collection, sentinel.ErrClosed)
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.run(conn)
	return s, nil
}

// Close stops delivery and waits for the subscription goroutine to exit.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.write(Frame{Topic: Topic(s.collection), Event: eventLeave, Payload: json.RawMessage(`{}`), Ref: s.nextRef()})
			s.conn.Close()
		}
		s.connMu.Unlock()

		s.client.mu.Lock()
		delete(s.client.subs, s)
		s.client.mu.Unlock()
	})
	<-s.done
	return nil
}

func (s *subscription) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *subscription) websocketURL() string {
	u := *s.client.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + realtimePath
	u.RawQuery = url.Values{"apikey": {s.client.key}, "vsn": {"1.0.0"}}.Encode()
	return u.String()
}

// connect dials, sends phx_join and waits for the join reply.
func (s *subscription) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.client.dialer.DialContext(ctx, s.websocketURL(), nil)
	if err != nil {
		kind := domain.KindTransient
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			kind = domain.KindFatal
		}
		return nil, domain.NewStoreError(kind, "subscribe", s.collection, err)
	}

	ref := s.nextRef()
	join := Frame{Topic: Topic(s.collection), Event: eventJoin, Payload: JoinPayload(s.collection), Ref: ref}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, domain.NewStoreError(domain.KindTransient, "subscribe", s.collection, err)
	}

	deadline := time.Now().Add(joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			return nil, domain.NewStoreError(domain.KindTransient, "subscribe", s.collection, fmt.Errorf("await join reply: %w", err))
		}
		if f.Event != eventReply || f.Ref != ref {
			continue
		}
		var reply replyPayload
		_ = json.Unmarshal(f.Payload, &reply)
		if reply.Status != "ok" {
			conn.Close()
			return nil, domain.NewStoreError(domain.KindFatal, "subscribe", s.collection,
				fmt.Errorf("join rejected: %s", string(reply.Response)))
		}
		break
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func (s *subscription) setConn(conn *websocket.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conn = conn
	return true
}

// write sends a frame; callers hold connMu.
func (s *subscription) write(f Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(f)
}

func (s *subscription) run(conn *websocket.Conn) {
	defer close(s.done)
	logger := s.client.logger.With("collection", s.collection)

	for {
		if !s.setConn(conn) {
			conn.Close()
			return
		}
		err := s.serve(conn)
		conn.Close()
		if s.ctx.Err() != nil {
			return
		}
		logger.Warn("realtime connection lost, reconnecting", "error", err)

		conn = s.reconnect()
		if conn == nil {
			return
		}
		if s.client.metrics != nil {
			s.client.metrics.IncRealtimeReconnect(s.collection)
		}
		logger.Info("realtime connection restored")
	}
}

func (s *subscription) reconnect() *websocket.Conn {
	b := backoff.WithContext(s.client.newBackOff(), s.ctx)
	b.Reset()
	for {
		conn, err := s.connect(s.ctx)
		if err == nil {
			return conn
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		s.client.logger.Debug("realtime reconnect failed",
			"collection", s.collection,
			"error", err,
			"retry_in", wait,
		)
		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// serve reads frames until the connection drops or the subscription closes.
func (s *subscription) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go s.heartbeat(stop)

	topic := Topic(s.collection)
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Topic != topic {
			continue
		}
		switch f.Event {
		case eventChanges:
			var p changesPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				s.client.logger.Warn("dropping malformed change frame", "collection", s.collection, "error", err)
				continue
			}
			ev, ok := p.Data.ToEvent(s.collection)
			if !ok {
				continue
			}
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			if s.client.metrics != nil {
				s.client.metrics.IncRealtimeEvent(s.collection, string(ev.Type))
			}
			s.handler(ev)
		case eventError, eventClose:
			return fmt.Errorf("channel %s: %s", f.Event, string(f.Payload))
		}
	}
}

func (s *subscription) heartbeat(stop <-chan struct{}) {
	t := time.NewTicker(s.client.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.connMu.Lock()
			err := s.write(Frame{Topic: "phoenix", Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: s.nextRef()})
			s.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
