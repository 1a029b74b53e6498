// Package server is the line-oriented TCP transport: one JSON request
// per line, one JSON response per line, plus GET lines for the
// operational endpoints. Framing lives here; everything behind it is
// the pipeline.
package server

import (
	"bufio"
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"minivisa/configs"
	"minivisa/metrics"
	"minivisa/pipeline"
	"minivisa/pool"
	"minivisa/storage"
)

// Store is the read side the operational endpoints need.
type Store interface {
	Ready(ctx context.Context) bool
	LookupByRequestID(ctx context.Context, requestID string) (*storage.TransactionRecord, error)
}

type Server struct {
	cfg   *configs.Config
	mtr   *metrics.Metrics
	pipe  *pipeline.Pipeline
	jobs  *pool.Pool
	store Store

	ln    net.Listener
	latch sync.Mutex
	conns map[net.Conn]struct{}
	done  bool
	wg    sync.WaitGroup
}

func New(cfg *configs.Config, mtr *metrics.Metrics, pipe *pipeline.Pipeline, jobs *pool.Pool, store Store) *Server {
	return &Server{
		cfg:   cfg,
		mtr:   mtr,
		pipe:  pipe,
		jobs:  jobs,
		store: store,
		conns: make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.ListenPort))
	if err != nil {
		return errors.Wrap(err, "bind listener")
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	log.WithField("port", s.cfg.ListenPort).Info("listening")
	return nil
}

// Addr returns the bound address; valid after Start.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.latch.Lock()
		if s.done {
			s.latch.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.latch.Unlock()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Shutdown closes the listener and every open connection, then waits
// for the handlers to drain.
func (s *Server) Shutdown() {
	s.latch.Lock()
	s.done = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.latch.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.latch.Lock()
		delete(s.conns, conn)
		s.latch.Unlock()
		_ = conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for {
		_ = conn.SetDeadline(time.Now().Add(configs.SocketTimeout))
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var out []byte
		if strings.HasPrefix(line, "GET ") {
			out = s.handleGet(line)
		} else {
			out = s.handleRequest([]byte(line))
		}
		_ = conn.SetDeadline(time.Now().Add(configs.SocketTimeout))
		if _, err := conn.Write(append(out, '\n')); err != nil {
			return
		}
	}
}

// handleRequest pushes one authorization onto the pool and waits for
// its worker to finish. A full queue answers without blocking.
func (s *Server) handleRequest(line []byte) []byte {
	var resp *pipeline.Response
	done := make(chan struct{})
	err := s.jobs.Submit(func() {
		resp = s.pipe.Process(context.Background(), line)
		close(done)
	})
	if err != nil {
		s.mtr.IncServerBusy()
		return mustJSON(&pipeline.Response{Status: configs.StatusDeclined, Reason: configs.ServerBusy})
	}
	<-done
	return mustJSON(resp)
}

type errBody struct {
	Error string `json:"error"`
}

// handleGet serves the operational endpoints. The line looks like an
// HTTP request line but the answer is a single JSON line.
func (s *Server) handleGet(line string) []byte {
	fields := strings.Fields(strings.TrimPrefix(line, "GET "))
	if len(fields) == 0 {
		return mustJSON(errBody{Error: "not_found"})
	}
	u, err := url.Parse(fields[0])
	if err != nil {
		return mustJSON(errBody{Error: "not_found"})
	}
	q := u.Query()

	switch strings.TrimSuffix(u.Path, "/") {
	case "/healthz":
		return []byte(`{"status":"ok"}`)
	case "/readyz":
		ctx, cancel := context.WithTimeout(context.Background(), configs.SocketTimeout)
		defer cancel()
		if s.store == nil || !s.store.Ready(ctx) {
			return []byte(`{"status":"unavailable"}`)
		}
		return []byte(`{"status":"ready"}`)
	case "/version":
		return mustJSON(map[string]string{"version": configs.Version})
	case "/metrics":
		if !s.authorized(q) {
			return mustJSON(errBody{Error: "unauthorized"})
		}
		return mustJSON(s.mtr.Snapshot())
	case "/tx":
		if !s.authorized(q) {
			return mustJSON(errBody{Error: "unauthorized"})
		}
		rid := q.Get("request_id")
		if rid == "" {
			return mustJSON(errBody{Error: "missing_request_id"})
		}
		ctx, cancel := context.WithTimeout(context.Background(), configs.SocketTimeout)
		defer cancel()
		rec, err := s.store.LookupByRequestID(ctx, rid)
		if err != nil {
			return mustJSON(errBody{Error: "lookup_failed"})
		}
		if rec == nil {
			return mustJSON(errBody{Error: "not_found"})
		}
		return mustJSON(rec)
	default:
		return mustJSON(errBody{Error: "not_found"})
	}
}

// authorized checks the optional API token on the secure endpoints.
func (s *Server) authorized(q url.Values) bool {
	if s.cfg.APIToken == "" {
		return true
	}
	return q.Get("token") == s.cfg.APIToken
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	configs.CheckError(err)
	return data
}
