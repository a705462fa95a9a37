package httptransport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"caresync/internal/audit"
	"caresync/internal/backend"
	"caresync/internal/backup"
	"caresync/internal/connectivity"
	"caresync/internal/domain"
	"caresync/internal/kvstore"
	"caresync/internal/platform/metrics"
	"caresync/internal/syncqueue"
	"caresync/pkg/testutil"
)

const opsToken = "s3cret"

type recordingDeliverer struct {
	mu    sync.Mutex
	items []syncqueue.Item
	err   error
}

func (d *recordingDeliverer) Deliver(_ context.Context, item syncqueue.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.items = append(d.items, item)
	return nil
}

func (d *recordingDeliverer) delivered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Emit(_ context.Context, ev audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Action)
	}
	return out
}

type RouterSuite struct {
	suite.Suite
	ctx       context.Context
	kv        *kvstore.InMemoryStore
	svc       *backend.Service
	conn      *connectivity.Manual
	deliverer *recordingDeliverer
	queue     *syncqueue.Queue
	backupDir string
	auditor   *recordingAuditor
	router    http.Handler
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctx = context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	s.kv = kvstore.NewInMemoryStore()
	s.svc = backend.New(s.kv, backend.WithLogger(logger), backend.WithMetrics(m))
	s.svc.Init(s.ctx)

	s.conn = connectivity.NewManual(false)
	s.deliverer = &recordingDeliverer{}
	s.queue = syncqueue.New(s.kv, s.deliverer, s.conn, syncqueue.WithLogger(logger), syncqueue.WithMetrics(m))

	s.backupDir = s.T().TempDir()
	exporter := backup.New(s.svc, s.backupDir, backup.WithLogger(logger), backup.WithCollections("patients"))

	s.auditor = &recordingAuditor{}
	s.router = NewRouter(NewHandler(s.svc, s.queue, exporter,
		WithLogger(logger),
		WithAuditor(s.auditor),
		WithLatencyObserver(m),
		WithGatherer(reg),
		WithOpsToken(opsToken),
	))
}

func (s *RouterSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	req := testutil.WithBearer(testutil.NewJSONRequest(s.T(), method, path, body), opsToken)
	return testutil.Do(s.router, req)
}

func (s *RouterSuite) TestHealthAndStatus() {
	rr := s.do(http.MethodGet, "/healthz", nil)
	s.Equal(http.StatusOK, rr.Code)
	s.Equal("local", testutil.Decode[map[string]string](s.T(), rr)["backend"])
	s.NotEmpty(rr.Header().Get("X-Request-ID"))

	rr = s.do(http.MethodGet, "/status", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	st := testutil.Decode[statusResponse](s.T(), rr)
	s.Equal(backend.ModeLocal, st.Backend)
	s.False(st.Queue.Online)
	s.Zero(st.Queue.Pending)
}

func (s *RouterSuite) TestMetricsEndpoint() {
	s.do(http.MethodGet, "/healthz", nil)
	rr := s.do(http.MethodGet, "/metrics", nil)
	s.Equal(http.StatusOK, rr.Code)
	s.Contains(rr.Body.String(), "caresync_backend_active")
}

func (s *RouterSuite) TestCollectionLifecycle() {
	s.T().Run("upsert takes the id from the path", func(t *testing.T) {
		rr := s.do(http.MethodPut, "/collections/patients/p2", map[string]any{"name": "Bea", "bed": 4})
		assert.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
		rr = s.do(http.MethodPut, "/collections/patients/p1", map[string]any{"id": "p1", "name": "Ana", "bed": 2})
		assert.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	})

	s.T().Run("list is sortable", func(t *testing.T) {
		rr := s.do(http.MethodGet, "/collections/patients?sort=bed&desc=true", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		records := testutil.Decode[[]domain.Record](t, rr)
		require.Len(t, records, 2)
		assert.Equal(t, "p2", records[0].ID())
		assert.Equal(t, "p1", records[1].ID())
	})

	s.T().Run("mismatched body id is rejected", func(t *testing.T) {
		rr := s.do(http.MethodPut, "/collections/patients/p1", map[string]any{"id": "other"})
		testutil.AssertError(t, rr, http.StatusBadRequest, "bad_request")
	})

	s.T().Run("insert generates an id", func(t *testing.T) {
		rr := s.do(http.MethodPost, "/collections/patients", map[string]any{"name": "Caio"})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		rec := testutil.Decode[domain.Record](t, rr)
		assert.NotEmpty(t, rec.ID())
	})

	s.T().Run("delete removes and tolerates unknown ids", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/collections/patients/p1", nil).Code)
		assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/collections/patients/nope", nil).Code)
		records, err := s.svc.GetCollection(s.ctx, "patients")
		require.NoError(t, err)
		assert.Equal(t, -1, domain.IndexOf(records, "p1"))
		assert.Len(t, records, 2)
	})

	s.T().Run("invalid collection name", func(t *testing.T) {
		rr := s.do(http.MethodGet, "/collections/"+strings.Repeat("x", 300), nil)
		testutil.AssertError(t, rr, http.StatusBadRequest, "bad_request")
	})

	s.T().Run("non-object body", func(t *testing.T) {
		rr := s.do(http.MethodPut, "/collections/patients/p9", "[1,2]")
		testutil.AssertError(t, rr, http.StatusBadRequest, "bad_request")
	})
}

func (s *RouterSuite) TestQuotaMapsTo507() {
	s.kv = kvstore.NewInMemoryStore(kvstore.WithMemoryLimit(32))
	s.svc = backend.New(s.kv)
	s.svc.Init(s.ctx)
	s.router = NewRouter(NewHandler(s.svc, s.queue, nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))))

	rr := testutil.Do(s.router, testutil.NewJSONRequest(s.T(), http.MethodPut, "/collections/patients/p1",
		map[string]any{"notes": strings.Repeat("a", 256)}))
	testutil.AssertError(s.T(), rr, http.StatusInsufficientStorage, "quota_exceeded")
}

func (s *RouterSuite) TestMutationsRequireToken() {
	for _, tc := range []struct{ method, path string }{
		{http.MethodPut, "/collections/patients/p1"},
		{http.MethodPost, "/queue/report"},
		{http.MethodPost, "/queue/drain"},
		{http.MethodPut, "/config"},
		{http.MethodPost, "/backup"},
	} {
		s.Run(tc.method+" "+tc.path, func() {
			rr := testutil.Do(s.router, testutil.NewJSONRequest(s.T(), tc.method, tc.path, map[string]any{}))
			s.Equal(http.StatusUnauthorized, rr.Code)
		})
	}
	rr := testutil.Do(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/collections/patients", nil))
	s.Equal(http.StatusOK, rr.Code)
}

func (s *RouterSuite) TestQueueEndpoints() {
	rr := s.do(http.MethodPost, "/queue/vital-sign-alert", map[string]any{"patientId": "p1", "spo2": 88})
	s.Require().Equal(http.StatusAccepted, rr.Code, rr.Body.String())
	item := testutil.Decode[syncqueue.Item](s.T(), rr)
	s.Equal(syncqueue.TypeVitalSignAlert, item.Type)

	rr = s.do(http.MethodPost, "/queue/unknown", map[string]any{})
	testutil.AssertError(s.T(), rr, http.StatusBadRequest, "bad_request")

	rr = s.do(http.MethodPost, "/queue/report", "{not json")
	testutil.AssertError(s.T(), rr, http.StatusBadRequest, "bad_request")

	items := testutil.Decode[[]syncqueue.Item](s.T(), s.do(http.MethodGet, "/queue", nil))
	s.Len(items, 1)

	// Offline: the pass is skipped and nothing leaves the queue.
	res := testutil.Decode[syncqueue.DrainResult](s.T(), s.do(http.MethodPost, "/queue/drain", nil))
	s.True(res.Skipped)
	s.Zero(s.deliverer.delivered())

	s.conn.Set(true)
	res = testutil.Decode[syncqueue.DrainResult](s.T(), s.do(http.MethodPost, "/queue/drain?force=true", nil))
	s.Equal(1, res.Delivered)
	s.Equal(1, s.deliverer.delivered())
	s.Empty(testutil.Decode[[]syncqueue.Item](s.T(), s.do(http.MethodGet, "/queue", nil)))
}

func (s *RouterSuite) TestDeadLettersAndRequeue() {
	s.deliverer.err = errors.Join(syncqueue.ErrRejected, errors.New("422"))
	s.do(http.MethodPost, "/queue/report", map[string]any{"text": "shift report"})
	s.conn.Set(true)
	s.do(http.MethodPost, "/queue/drain", nil)

	dead := testutil.Decode[[]syncqueue.Item](s.T(), s.do(http.MethodGet, "/queue/dead", nil))
	s.Require().Len(dead, 1)
	s.NotEmpty(dead[0].LastError)

	s.deliverer.err = nil
	s.conn.Set(false)
	rr := s.do(http.MethodPost, "/queue/requeue", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Equal(1, testutil.Decode[map[string]int](s.T(), rr)["requeued"])
	s.Empty(testutil.Decode[[]syncqueue.Item](s.T(), s.do(http.MethodGet, "/queue/dead", nil)))
	s.Len(testutil.Decode[[]syncqueue.Item](s.T(), s.do(http.MethodGet, "/queue", nil)), 1)
}

func (s *RouterSuite) TestConfig() {
	s.T().Run("invalid config is a bad request and changes nothing", func(t *testing.T) {
		rr := s.do(http.MethodPut, "/config", map[string]any{"mode": "remote"})
		testutil.AssertError(t, rr, http.StatusBadRequest, "bad_request")
		assert.Equal(t, backend.ModeLocal, s.svc.Config().Mode)
	})

	s.T().Run("bridges are saved and returned", func(t *testing.T) {
		rr := s.do(http.MethodPut, "/config", backend.Config{
			Mode:             backend.ModeLocal,
			LegacyDBBridge:   &backend.LegacyDBBridge{Enabled: true, Endpoint: "https://dashboard.example/api"},
			FileBackupBridge: &backend.FileBackupBridge{Enabled: true, FolderID: "ward-3", ClientID: "tablet-7"},
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "https://dashboard.example/api", s.svc.Config().LegacyBridgeEndpoint())

		got := testutil.Decode[backend.Config](t, s.do(http.MethodGet, "/config", nil))
		assert.True(t, got.BackupEnabled())
	})

	s.T().Run("redacted key keeps the stored key", func(t *testing.T) {
		rr := s.do(http.MethodPut, "/config", map[string]any{"mode": "local", "key": redactedKey})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Empty(t, s.svc.Config().Key)
	})
}

func (s *RouterSuite) TestBackup() {
	rr := s.do(http.MethodPost, "/backup", nil)
	testutil.AssertError(s.T(), rr, http.StatusConflict, "backup_disabled")

	s.Require().NoError(s.svc.SaveConfig(s.ctx, backend.Config{
		Mode:             backend.ModeLocal,
		FileBackupBridge: &backend.FileBackupBridge{Enabled: true, FolderID: "ward-3", ClientID: "tablet-7"},
	}))
	s.Require().NoError(s.svc.Upsert(s.ctx, "patients", domain.Record{"id": "p1", "name": "Ana"}))

	rr = s.do(http.MethodPost, "/backup", nil)
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
	manifest := testutil.Decode[backup.Manifest](s.T(), rr)
	s.Equal("tablet-7", manifest.ClientID)
	s.Require().Len(manifest.Collections, 1)
	s.Equal(1, manifest.Collections[0].Records)

	_, err := os.Stat(filepath.Join(manifest.Dir, "manifest.json"))
	s.NoError(err)
	s.True(strings.HasPrefix(manifest.Dir, filepath.Join(s.backupDir, "ward-3")))
}

func (s *RouterSuite) TestOperatorActionsAreAudited() {
	s.do(http.MethodPut, "/config", map[string]any{"mode": "remote"})
	s.do(http.MethodPut, "/config", map[string]any{"mode": "local"})
	s.do(http.MethodPut, "/collections/shifts/s1", map[string]any{"ward": "3"})
	s.do(http.MethodDelete, "/collections/shifts/s1", nil)
	s.do(http.MethodPost, "/queue/drain?force=true", nil)
	s.do(http.MethodPost, "/backup", nil)

	s.Equal([]string{
		audit.ActionConfigRejected,
		audit.ActionConfigSaved,
		audit.ActionRecordDeleted,
	}, s.auditor.actions())

	s.auditor.mu.Lock()
	defer s.auditor.mu.Unlock()
	s.Equal("shifts/s1", s.auditor.events[2].Subject)
	s.NotEmpty(s.auditor.events[0].Reason)
	s.NotEmpty(s.auditor.events[0].RequestID)
}

func (s *RouterSuite) TestPanicsBecome500() {
	h := NewHandler(panicBackend{}, s.queue, nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	rr := testutil.Do(NewRouter(h), testutil.NewJSONRequest(s.T(), http.MethodGet, "/collections/patients", nil))
	s.Equal(http.StatusInternalServerError, rr.Code)
}

func (s *RouterSuite) TestRequestTimeoutReachesBackend() {
	b := &deadlineBackend{Service: s.svc}
	h := NewHandler(b, s.queue, nil, WithRequestTimeout(time.Second))
	testutil.Do(NewRouter(h), testutil.NewJSONRequest(s.T(), http.MethodGet, "/collections/patients", nil))
	s.True(b.sawDeadline)
}

type panicBackend struct{ *backend.Service }

func (panicBackend) GetCollection(context.Context, string) ([]domain.Record, error) {
	panic("boom")
}

type deadlineBackend struct {
	*backend.Service
	sawDeadline bool
}

func (d *deadlineBackend) GetCollection(ctx context.Context, collection string) ([]domain.Record, error) {
	_, d.sawDeadline = ctx.Deadline()
	return d.Service.GetCollection(ctx, collection)
}
