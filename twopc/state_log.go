package twopc

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/wal"
)

// StateRecord is one append-only entry in the coordinator log.
type StateRecord struct {
	TxnID  string `json:"txn_id"`
	State  string `json:"state"`
	Action string `json:"action"`
	TS     int64  `json:"ts"`
}

// StateLog persists coordinator state transitions. Every append is
// flushed before the transition takes effect elsewhere, so after a
// crash the log names exactly the transactions whose outcome is
// unresolved.
type StateLog struct {
	latch sync.Mutex
	wlog  *wal.Log
	next  uint64
}

func OpenStateLog(dir string) (*StateLog, error) {
	w, err := wal.Open(filepath.Join(dir, "coordinator.wal"), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open coordinator log")
	}
	last, err := w.LastIndex()
	if err != nil {
		_ = w.Close()
		return nil, errors.Wrap(err, "read coordinator log index")
	}
	return &StateLog{wlog: w, next: last + 1}, nil
}

func (l *StateLog) Close() error {
	l.latch.Lock()
	defer l.latch.Unlock()
	return l.wlog.Close()
}

// Append records one transition. Failures are logged, not returned:
// the protocol keeps moving and the operator sees the write error.
func (l *StateLog) Append(txnID, state, action string) {
	l.latch.Lock()
	defer l.latch.Unlock()
	rec := StateRecord{TxnID: txnID, State: state, Action: action, TS: time.Now().UnixNano()}
	data, err := json.Marshal(rec)
	if err != nil {
		log.WithError(err).Error("state log marshal failed")
		return
	}
	if err := l.wlog.Write(l.next, data); err != nil {
		log.WithError(err).WithField("txn_id", txnID).Error("state log append failed")
		return
	}
	l.next++
}

// InDoubt replays the log and returns the transactions that reached
// PREPARED without a terminal COMMITTED or ABORTED record. These need
// operator resolution against pg_prepared_xacts.
func (l *StateLog) InDoubt() ([]string, error) {
	l.latch.Lock()
	defer l.latch.Unlock()

	first, err := l.wlog.FirstIndex()
	if err != nil {
		return nil, errors.Wrap(err, "state log first index")
	}
	last, err := l.wlog.LastIndex()
	if err != nil {
		return nil, errors.Wrap(err, "state log last index")
	}

	lastState := make(map[string]string)
	for i := first; i <= last && last > 0; i++ {
		data, err := l.wlog.Read(i)
		if err != nil {
			return nil, errors.Wrapf(err, "state log read %d", i)
		}
		var rec StateRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, errors.Wrapf(err, "state log decode %d", i)
		}
		lastState[rec.TxnID] = rec.State
	}

	var out []string
	for id, st := range lastState {
		switch st {
		case "PREPARED", "COMMITTING", "FAILED":
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
