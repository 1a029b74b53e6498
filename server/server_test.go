package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"minivisa/configs"
	"minivisa/metrics"
	"minivisa/pipeline"
	"minivisa/pool"
	"minivisa/risk"
	"minivisa/storage"
	"minivisa/twopc"
)

type fakeRow struct{ status string }

func (r fakeRow) Scan(dest ...interface{}) error {
	*(dest[0].(*string)) = r.status
	return nil
}

type fakeTxn struct{}

func (fakeTxn) Exec(context.Context, string, ...interface{}) error { return nil }
func (fakeTxn) QueryRow(context.Context, string, ...interface{}) storage.Row {
	return fakeRow{status: "APPROVED"}
}
func (fakeTxn) Commit(context.Context) error   { return nil }
func (fakeTxn) Rollback(context.Context) error { return nil }

type fakeDB struct{}

func (fakeDB) BeginLocal(context.Context) (storage.LocalTxn, error) { return fakeTxn{}, nil }

type fakeClearing struct{}

func (fakeClearing) Name() string                                   { return "clearing" }
func (fakeClearing) SetTransaction(_, _, _, _, _ string)            {}
func (fakeClearing) Prepare(context.Context, string) error          { return nil }
func (fakeClearing) Commit(context.Context, string) error           { return nil }
func (fakeClearing) Abort(context.Context, string) error            { return nil }
func (fakeClearing) HasHold() bool                                  { return false }

type fakeCompensator struct{}

func (fakeCompensator) Enqueue(_, _, _, _ string) {}

type fakeStore struct {
	ready bool
	rec   *storage.TransactionRecord
}

func (f *fakeStore) Ready(context.Context) bool { return f.ready }
func (f *fakeStore) LookupByRequestID(_ context.Context, rid string) (*storage.TransactionRecord, error) {
	if f.rec != nil && f.rec.RequestID == rid {
		return f.rec, nil
	}
	return nil, nil
}

type env struct {
	srv  *Server
	mtr  *metrics.Metrics
	jobs *pool.Pool
}

func startServer(t *testing.T, cfg *configs.Config, store Store) *env {
	t.Helper()
	logs, err := twopc.OpenStateLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = logs.Close() })

	mtr := metrics.New()
	rk := risk.NewEngine(&configs.Config{
		RiskEnabled:        true,
		RiskMaxAmount:      10000,
		RiskVelocityLimit:  100,
		RiskVelocityWindow: time.Minute,
	})
	pipe := pipeline.New(mtr, rk, twopc.NewCoordinator(logs, mtr), fakeDB{},
		pipeline.ClearingFactoryFunc(func() pipeline.ClearingParticipant { return fakeClearing{} }),
		fakeCompensator{})
	jobs := pool.New(cfg.Workers, cfg.QueueCap)
	t.Cleanup(jobs.Shutdown)

	srv := New(cfg, mtr, pipe, jobs, store)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return &env{srv: srv, mtr: mtr, jobs: jobs}
}

func roundTrip(t *testing.T, addr net.Addr, lines ...string) []string {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		_, err = conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		reply, err := r.ReadString('\n')
		require.NoError(t, err)
		out = append(out, strings.TrimSpace(reply))
	}
	return out
}

func baseConfig() *configs.Config {
	return &configs.Config{ListenPort: 0, Workers: 2, QueueCap: 8}
}

func TestAuthorizationOverTCP(t *testing.T) {
	e := startServer(t, baseConfig(), &fakeStore{ready: true})
	replies := roundTrip(t, e.srv.Addr(),
		`{"pan":"4111111111111111","amount":"10.00","request_id":"r1"}`)

	var resp pipeline.Response
	require.NoError(t, json.Unmarshal([]byte(replies[0]), &resp))
	require.Equal(t, "APPROVED", resp.Status)
	require.True(t, strings.HasPrefix(resp.TxnID, "visa_r1_"))
	require.Equal(t, uint64(1), e.mtr.Snapshot().Approved)
}

func TestMultipleRequestsPerConnection(t *testing.T) {
	e := startServer(t, baseConfig(), &fakeStore{ready: true})
	replies := roundTrip(t, e.srv.Addr(),
		`{"pan":"4111111111111111","amount":"10.00"}`,
		`{"pan":"4111111111111112","amount":"10.00"}`,
		"GET /healthz")
	require.Contains(t, replies[0], "APPROVED")
	require.Contains(t, replies[1], "luhn_failed")
	require.Equal(t, `{"status":"ok"}`, replies[2])
}

func TestOperationalEndpoints(t *testing.T) {
	store := &fakeStore{ready: true, rec: &storage.TransactionRecord{
		RequestID: "r1", PANMasked: "411111******1111", Amount: "10.00", Status: "APPROVED",
	}}
	e := startServer(t, baseConfig(), store)
	replies := roundTrip(t, e.srv.Addr(),
		"GET /healthz",
		"GET /readyz",
		"GET /version",
		"GET /metrics",
		"GET /tx?request_id=r1",
		"GET /tx?request_id=missing",
		"GET /nope")

	require.Equal(t, `{"status":"ok"}`, replies[0])
	require.Equal(t, `{"status":"ready"}`, replies[1])
	require.Contains(t, replies[2], configs.Version)
	require.Contains(t, replies[3], `"total":`)
	require.Contains(t, replies[4], `"411111******1111"`)
	require.Contains(t, replies[5], "not_found")
	require.Contains(t, replies[6], "not_found")
}

func TestReadyzUnavailable(t *testing.T) {
	e := startServer(t, baseConfig(), &fakeStore{ready: false})
	replies := roundTrip(t, e.srv.Addr(), "GET /readyz")
	require.Equal(t, `{"status":"unavailable"}`, replies[0])
}

func TestTokenGuardsSecureEndpoints(t *testing.T) {
	cfg := baseConfig()
	cfg.APIToken = "sesame"
	e := startServer(t, cfg, &fakeStore{ready: true})
	replies := roundTrip(t, e.srv.Addr(),
		"GET /metrics",
		"GET /metrics?token=wrong",
		"GET /metrics?token=sesame",
		"GET /tx?request_id=r1",
		"GET /healthz")

	require.Contains(t, replies[0], "unauthorized")
	require.Contains(t, replies[1], "unauthorized")
	require.Contains(t, replies[2], `"total":`)
	require.Contains(t, replies[3], "unauthorized")
	require.Equal(t, `{"status":"ok"}`, replies[4])
}

func TestServerBusyFastFail(t *testing.T) {
	cfg := baseConfig()
	cfg.Workers = 1
	cfg.QueueCap = 1
	e := startServer(t, cfg, &fakeStore{ready: true})

	// Occupy the worker and fill the queue so the request is refused
	// at the pool edge.
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, e.jobs.Submit(func() {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, e.jobs.Submit(func() {}))

	replies := roundTrip(t, e.srv.Addr(),
		`{"pan":"4111111111111111","amount":"10.00"}`)
	close(block)

	require.Contains(t, replies[0], configs.ServerBusy)
	require.Equal(t, uint64(1), e.mtr.Snapshot().ServerBusy)
}
