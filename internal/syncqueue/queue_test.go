package syncqueue_test

//go:generate mockgen -source=queue.go -destination=mocks/mocks.go -package=mocks Deliverer,Connectivity,Metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"caresync/internal/connectivity"
	"caresync/internal/kvstore"
	"caresync/internal/syncqueue"
	"caresync/internal/syncqueue/mocks"
	"caresync/pkg/platform/sentinel"
)

var errDashboardDown = errors.New("dashboard returned 503")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type QueueSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	deliverer *mocks.MockDeliverer
	conn      *connectivity.Manual
	kv        *kvstore.InMemoryStore
	clock     *clock
	queue     *syncqueue.Queue
	ctx       context.Context
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}

func (s *QueueSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.deliverer = mocks.NewMockDeliverer(s.ctrl)
	s.conn = connectivity.NewManual(false)
	s.kv = kvstore.NewInMemoryStore()
	s.clock = &clock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	s.ctx = context.Background()
	s.queue = s.newQueue(syncqueue.DefaultRetryPolicy())
}

func (s *QueueSuite) newQueue(policy syncqueue.RetryPolicy) *syncqueue.Queue {
	return syncqueue.New(s.kv, s.deliverer, s.conn,
		syncqueue.WithClock(s.clock.Now),
		syncqueue.WithRetryPolicy(policy),
		syncqueue.WithLogger(quietLogger()),
	)
}

func (s *QueueSuite) items() []syncqueue.Item {
	items, err := s.queue.Items(s.ctx)
	s.Require().NoError(err)
	return items
}

// An alert queued offline fails once after reconnecting, then is delivered
// and leaves the queue empty.
func (s *QueueSuite) TestOfflineEnqueueThenRetryUntilDelivered() {
	p1 := json.RawMessage(`{"patient":"bed-4","spo2":86}`)

	item, err := s.queue.Enqueue(s.ctx, syncqueue.TypeVitalSignAlert, p1)
	s.Require().NoError(err)

	items := s.items()
	s.Require().Len(items, 1)
	s.Equal(item.ID, items[0].ID)
	s.JSONEq(string(p1), string(items[0].Payload))
	s.Equal(syncqueue.StatusPending, items[0].Status)
	s.Equal(0, items[0].RetryCount)

	s.conn.Set(true)
	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errDashboardDown)
	res, err := s.queue.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Failed)

	items = s.items()
	s.Require().Len(items, 1)
	s.Equal(1, items[0].RetryCount)
	s.Equal(syncqueue.StatusPending, items[0].Status)
	s.Equal(errDashboardDown.Error(), items[0].LastError)

	s.clock.Advance(time.Hour)
	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, got syncqueue.Item) error {
			s.Equal(item.ID, got.ID)
			s.Equal(1, got.RetryCount)
			return nil
		})
	res, err = s.queue.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Delivered)
	s.Empty(s.items())

	raw, err := s.kv.Get(s.ctx, syncqueue.QueueKey)
	s.Require().NoError(err)
	s.JSONEq(`[]`, string(raw))
}

func (s *QueueSuite) TestDrainIsSkippedWhileOffline() {
	_, err := s.queue.Enqueue(s.ctx, syncqueue.TypeReport, json.RawMessage(`{}`))
	s.Require().NoError(err)

	res, err := s.queue.Drain(s.ctx)
	s.Require().NoError(err)
	s.True(res.Skipped)
	s.Len(s.items(), 1)
}

func (s *QueueSuite) TestEnqueueDrainsImmediatelyWhenOnline() {
	s.conn.Set(true)
	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(nil)

	_, err := s.queue.Enqueue(s.ctx, syncqueue.TypeIntercurrence, json.RawMessage(`{"kind":"fall"}`))
	s.Require().NoError(err)
	s.Empty(s.items())
}

func (s *QueueSuite) TestDeliversInFIFOOrder() {
	var ids []string
	for i := range 3 {
		item, err := s.queue.Enqueue(s.ctx, syncqueue.TypeReport, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		s.Require().NoError(err)
		ids = append(ids, item.ID)
	}

	var got []string
	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Times(3).DoAndReturn(
		func(_ context.Context, item syncqueue.Item) error {
			got = append(got, item.ID)
			return nil
		})
	s.conn.Set(true)
	_, err := s.queue.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(ids, got)
}

func (s *QueueSuite) TestBackoffDefersAndFlushIgnoresIt() {
	_, err := s.queue.Enqueue(s.ctx, syncqueue.TypeReport, json.RawMessage(`{}`))
	s.Require().NoError(err)
	s.conn.Set(true)

	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errDashboardDown)
	_, err = s.queue.Drain(s.ctx)
	s.Require().NoError(err)
	s.True(s.items()[0].NextAttemptAt.After(s.clock.Now()))

	res, err := s.queue.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Deferred, "backoff has not elapsed")

	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(nil)
	res, err = s.queue.Flush(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Delivered)
}

func (s *QueueSuite) TestDeadLetters() {
	s.queue = s.newQueue(syncqueue.RetryPolicy{MaxRetries: 2})
	s.conn.Set(true)

	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errDashboardDown).Times(2)
	_, err := s.queue.Enqueue(s.ctx, syncqueue.TypeIntercurrence, json.RawMessage(`{}`))
	s.Require().NoError(err)
	s.Len(s.items(), 1)

	res, err := s.queue.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.DeadLettered)
	s.Empty(s.items())

	letters, err := s.queue.DeadLetters(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(letters, 1)
	s.Equal(2, letters[0].RetryCount)

	s.Run("rejected deliveries skip the retry budget", func() {
		s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).
			Return(fmt.Errorf("422 from dashboard: %w", syncqueue.ErrRejected))
		_, err := s.queue.Enqueue(s.ctx, syncqueue.TypeReport, json.RawMessage(`{}`))
		s.Require().NoError(err)
		st, err := s.queue.Status(s.ctx)
		s.Require().NoError(err)
		s.Equal(0, st.Pending)
		s.Equal(2, st.DeadLetters)
	})

	s.Run("requeue restores a fresh retry budget", func() {
		s.conn.Set(false)
		n, err := s.queue.Requeue(s.ctx)
		s.Require().NoError(err)
		s.Equal(2, n)
		items := s.items()
		s.Require().Len(items, 2)
		s.Equal(0, items[0].RetryCount)
		letters, err := s.queue.DeadLetters(s.ctx)
		s.Require().NoError(err)
		s.Empty(letters)
	})
}

func (s *QueueSuite) TestEnqueueDuringPassIsKept() {
	other := syncqueue.New(s.kv, s.deliverer, connectivity.NewManual(false), syncqueue.WithLogger(quietLogger()))
	_, err := s.queue.Enqueue(s.ctx, syncqueue.TypeReport, json.RawMessage(`{"first":true}`))
	s.Require().NoError(err)

	var late syncqueue.Item
	s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ syncqueue.Item) error {
			late, err = other.Enqueue(ctx, syncqueue.TypeVitalSignAlert, json.RawMessage(`{"late":true}`))
			return err
		})
	s.conn.Set(true)
	res, err := s.queue.Drain(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Remaining)

	items := s.items()
	s.Require().Len(items, 1)
	s.Equal(late.ID, items[0].ID)
	s.Equal(0, items[0].RetryCount)
}

func (s *QueueSuite) TestEnqueueValidation() {
	_, err := s.queue.Enqueue(s.ctx, "sms", json.RawMessage(`{}`))
	s.Error(err)

	_, err = s.queue.Enqueue(s.ctx, syncqueue.TypeReport, json.RawMessage(`{broken`))
	s.Error(err)
	s.Empty(s.items())

	item, err := s.queue.Enqueue(s.ctx, syncqueue.TypeReport, nil)
	s.Require().NoError(err)
	s.Equal(json.RawMessage("null"), item.Payload)
}

func (s *QueueSuite) TestEnqueueReportsQuota() {
	q := syncqueue.New(kvstore.NewInMemoryStore(kvstore.WithMemoryLimit(64)), s.deliverer, s.conn,
		syncqueue.WithLogger(quietLogger()))
	_, err := q.Enqueue(s.ctx, syncqueue.TypeReport, json.RawMessage(`{"text":"far too long for sixty four bytes of storage"}`))
	s.ErrorIs(err, sentinel.ErrQuotaExceeded)
}

func (s *QueueSuite) TestMetrics() {
	m := mocks.NewMockMetrics(s.ctrl)
	q := syncqueue.New(s.kv, s.deliverer, s.conn,
		syncqueue.WithLogger(quietLogger()),
		syncqueue.WithMetrics(m),
	)
	s.conn.Set(true)

	gomock.InOrder(
		m.EXPECT().SetQueueDepth(1, 0),
		s.deliverer.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(nil),
		m.EXPECT().IncDelivery("report", "delivered"),
		m.EXPECT().ObserveDrain(gomock.Any()),
		m.EXPECT().SetQueueDepth(0, 0),
	)
	_, err := q.Enqueue(s.ctx, syncqueue.TypeReport, json.RawMessage(`{}`))
	s.Require().NoError(err)
}

func (s *QueueSuite) TestStatus() {
	_, err := s.queue.Enqueue(s.ctx, syncqueue.TypeReport, json.RawMessage(`{}`))
	s.Require().NoError(err)

	st, err := s.queue.Status(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, st.Pending)
	s.False(st.Online)
	s.False(st.Running)
	s.True(st.LastDrainAt.IsZero())
}

// countingDeliverer records deliveries and the highest observed concurrency.
type countingDeliverer struct {
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	mu        sync.Mutex
	delivered map[string]int
	failFirst map[string]int
}

func (d *countingDeliverer) Deliver(_ context.Context, item syncqueue.Item) error {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		m := d.maxFlight.Load()
		if n <= m || d.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFirst[item.ID] > 0 {
		d.failFirst[item.ID]--
		return errDashboardDown
	}
	d.delivered[item.ID]++
	return nil
}

func TestConcurrentDrainsUseOneWorker(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewInMemoryStore()
	conn := connectivity.NewManual(false)
	d := &countingDeliverer{delivered: map[string]int{}, failFirst: map[string]int{}}
	q := syncqueue.New(kv, d, conn, syncqueue.WithLogger(quietLogger()))

	for range 20 {
		_, err := q.Enqueue(ctx, syncqueue.TypeReport, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	conn.Set(true)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Drain(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), d.maxFlight.Load())
	assert.Len(t, d.delivered, 20)
	for id, n := range d.delivered {
		assert.Equal(t, 1, n, "item %s delivered more than once", id)
	}
	items, err := q.Items(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

// gatedDeliverer holds each delivery until released and reports the context
// state it saw.
type gatedDeliverer struct {
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (d *gatedDeliverer) Deliver(ctx context.Context, _ syncqueue.Item) error {
	close(d.started)
	<-d.release
	err := ctx.Err()
	d.ctxErr <- err
	return err
}

func TestDrainSurvivesCallerCancellation(t *testing.T) {
	kv := kvstore.NewInMemoryStore()
	conn := connectivity.NewManual(false)
	d := &gatedDeliverer{
		started: make(chan struct{}),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	q := syncqueue.New(kv, d, conn, syncqueue.WithLogger(quietLogger()))
	_, err := q.Enqueue(context.Background(), syncqueue.TypeReport, json.RawMessage(`{"id":"r1"}`))
	require.NoError(t, err)
	conn.Set(true)

	reqCtx, cancel := context.WithCancel(context.Background())
	results := make(chan syncqueue.DrainResult, 1)
	go func() {
		res, err := q.Drain(reqCtx)
		assert.NoError(t, err)
		results <- res
	}()

	<-d.started
	cancel()
	close(d.release)

	assert.NoError(t, <-d.ctxErr)
	res := <-results
	assert.Equal(t, 1, res.Delivered)
	items, err := q.Items(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRunFlushesOnStartupAndReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := kvstore.NewInMemoryStore()
	conn := connectivity.NewManual(false)
	d := &countingDeliverer{delivered: map[string]int{}, failFirst: map[string]int{}}
	q := syncqueue.New(kv, d, conn, syncqueue.WithLogger(quietLogger()), syncqueue.WithInterval(time.Hour))

	first, err := q.Enqueue(ctx, syncqueue.TypeIntercurrence, json.RawMessage(`{}`))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	require.Eventually(t, func() bool {
		st, _ := q.Status(ctx)
		return st.Running
	}, time.Second, time.Millisecond)

	conn.Set(true)
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.delivered[first.ID] == 1
	}, time.Second, 5*time.Millisecond, "regained connectivity flushes the queue")

	second, err := q.Enqueue(ctx, syncqueue.TypeReport, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.delivered[second.ID] == 1
	}, time.Second, 5*time.Millisecond, "enqueue signals the worker")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
