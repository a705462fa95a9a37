package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caresync/internal/backend"
	"caresync/internal/backup"
	"caresync/internal/connectivity"
	"caresync/internal/domain"
	"caresync/internal/kvstore"
	"caresync/internal/syncqueue"
	httptransport "caresync/internal/transport/http"
)

const testToken = "ops-token"

type nopDeliverer struct{}

func (nopDeliverer) Deliver(context.Context, syncqueue.Item) error { return nil }

type daemon struct {
	url  string
	svc  *backend.Service
	conn *connectivity.Manual
}

func startDaemon(t *testing.T) daemon {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kv := kvstore.NewInMemoryStore()
	svc := backend.New(kv, backend.WithLogger(logger))
	svc.Init(ctx)
	conn := connectivity.NewManual(false)
	queue := syncqueue.New(kv, nopDeliverer{}, conn, syncqueue.WithLogger(logger))
	exporter := backup.New(svc, t.TempDir(), backup.WithLogger(logger))

	h := httptransport.NewHandler(svc, queue, exporter,
		httptransport.WithLogger(logger),
		httptransport.WithGatherer(prometheus.NewRegistry()),
		httptransport.WithOpsToken(testToken),
	)
	srv := httptest.NewServer(httptransport.NewRouter(h))
	t.Cleanup(srv.Close)
	return daemon{url: srv.URL, svc: svc, conn: conn}
}

// run executes one syncctl invocation and returns its output.
func run(t *testing.T, d daemon, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetIn(strings.NewReader(stdin))
	RootCmd.SetArgs(append([]string{"--addr", d.url, "--token", testToken}, args...))
	err := RootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusAndConfig(t *testing.T) {
	d := startDaemon(t)

	out, err := run(t, d, "", "status")
	require.NoError(t, err)
	var st struct {
		Backend string `json:"backend"`
		Queue   struct {
			Pending int  `json:"pending"`
			Online  bool `json:"online"`
		} `json:"queue"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "local", st.Backend)
	assert.False(t, st.Queue.Online)

	out, err = run(t, d, `{"mode":"local","fileBackupBridge":{"enabled":true,"folderId":"ward-3","clientId":"tablet-7"}}`, "config", "set")
	require.NoError(t, err, out)
	assert.True(t, d.svc.Config().BackupEnabled())

	out, err = run(t, d, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"folderId": "ward-3"`)

	_, err = run(t, d, `{"mode":"remote"}`, "config", "set")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, "bad_request", apiErr.Code)
}

func TestRecordsAndBackup(t *testing.T) {
	d := startDaemon(t)

	dir := t.TempDir()
	file := filepath.Join(dir, "p1.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"name":"Ana","bed":2}`), 0o600))

	out, err := run(t, d, "", "put", domain.CollectionShifts, "p1", file)
	require.NoError(t, err)
	assert.Contains(t, out, "upserted shifts/p1")

	out, err = run(t, d, `{"name":"Bea","bed":5}`, "put", domain.CollectionShifts, "p2")
	require.NoError(t, err, out)

	out, err = run(t, d, "", "get", domain.CollectionShifts, "--sort", "bed", "--desc")
	require.NoError(t, err)
	var records []domain.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "p2", records[0].ID())

	_, err = run(t, d, "", "rm", domain.CollectionShifts, "p2")
	require.NoError(t, err)

	_, err = run(t, d, "", "backup")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.Status)

	require.NoError(t, d.svc.SaveConfig(context.Background(), backend.Config{
		Mode:             backend.ModeLocal,
		FileBackupBridge: &backend.FileBackupBridge{Enabled: true},
	}))
	out, err = run(t, d, "", "backup")
	require.NoError(t, err)
	assert.Contains(t, out, `"folderId": "default"`)
}

func TestQueueCommands(t *testing.T) {
	d := startDaemon(t)

	out, err := run(t, d, `{"patientId":"p1","spo2":87}`, "enqueue", "vital-sign-alert")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"type": "vital-sign-alert"`)

	_, err = run(t, d, `{}`, "enqueue", "bogus")
	require.Error(t, err)

	out, err = run(t, d, "", "queue", "--dead=false")
	require.NoError(t, err)
	var items []syncqueue.Item
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	assert.Len(t, items, 1)

	d.conn.Set(true)
	out, err = run(t, d, "", "drain", "--force")
	require.NoError(t, err)
	var res syncqueue.DrainResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Delivered)

	out, err = run(t, d, "", "queue", "--dead")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))

	out, err = run(t, d, "", "requeue")
	require.NoError(t, err)
	assert.Contains(t, out, `"requeued": 0`)
}

func TestMissingTokenIsRejected(t *testing.T) {
	d := startDaemon(t)
	RootCmd.SetArgs([]string{"--addr", d.url, "--token", "wrong", "drain"})
	RootCmd.SetOut(io.Discard)
	err := RootCmd.ExecuteContext(context.Background())
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.Status)
}
