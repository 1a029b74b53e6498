// Package twopc contains the two-phase-commit coordinator driving
// pluggable participants, plus the append-only state log used to
// enumerate in-doubt transactions after a restart.
package twopc

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"minivisa/configs"
	"minivisa/metrics"
)

// Transaction states.
const (
	StateInit uint8 = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
	StateFailed
)

// Participant states.
const (
	PartInit uint8 = iota
	PartPrepared
	PartCommitted
	PartAborted
	PartFailed
)

var txnStateNames = []string{
	"INIT", "PREPARING", "PREPARED", "COMMITTING",
	"COMMITTED", "ABORTING", "ABORTED", "FAILED",
}

func StateName(s uint8) string {
	if int(s) < len(txnStateNames) {
		return txnStateNames[s]
	}
	return "UNKNOWN"
}

var (
	ErrDuplicateTxn     = errors.New("transaction already exists")
	ErrCapacityExceeded = errors.New("coordinator capacity exceeded")
	ErrTooManyParts     = errors.New("too many participants")
	ErrAborted          = errors.New("transaction aborted")
	ErrCommitFailed     = errors.New("commit phase failed")
)

// Participant is a resource manager enlisted in one transaction.
// Prepare must reserve everything needed so that a later Commit cannot
// fail for resource reasons; Abort must be idempotent.
type Participant interface {
	Name() string
	Prepare(ctx context.Context, txnID string) error
	Commit(ctx context.Context, txnID string) error
	Abort(ctx context.Context, txnID string) error
}

type slot struct {
	part  Participant
	state uint8
}

// Txn is one distributed transaction. Its latch serializes state
// transitions per txn_id; independent transactions proceed in
// parallel (the coordinator mutex only guards the active set).
type Txn struct {
	ID              string
	latch           sync.Mutex
	state           uint8
	parts           []slot
	startedAt       time.Time
	prepareDeadline time.Time
	commitDeadline  time.Time
}

func (t *Txn) State() uint8 {
	t.latch.Lock()
	defer t.latch.Unlock()
	return t.state
}

// ParticipantState returns the state of the named participant, or
// PartInit when unknown.
func (t *Txn) ParticipantState(name string) uint8 {
	t.latch.Lock()
	defer t.latch.Unlock()
	for i := range t.parts {
		if t.parts[i].part.Name() == name {
			return t.parts[i].state
		}
	}
	return PartInit
}

// Coordinator keeps the bounded set of in-flight transactions and
// drives the commit protocol.
type Coordinator struct {
	latch  sync.Mutex
	active map[string]*Txn

	logs           *StateLog
	mtr            *metrics.Metrics
	prepareTimeout time.Duration
	maxActive      int
	maxParts       int
}

func NewCoordinator(logs *StateLog, mtr *metrics.Metrics) *Coordinator {
	return &Coordinator{
		active:         make(map[string]*Txn),
		logs:           logs,
		mtr:            mtr,
		prepareTimeout: configs.PrepareTimeout,
		maxActive:      configs.MaxActiveTransactions,
		maxParts:       configs.MaxParticipants,
	}
}

// Begin registers a new transaction in the active set.
func (c *Coordinator) Begin(txnID string) (*Txn, error) {
	c.latch.Lock()
	defer c.latch.Unlock()
	if _, ok := c.active[txnID]; ok {
		return nil, ErrDuplicateTxn
	}
	if len(c.active) >= c.maxActive {
		return nil, ErrCapacityExceeded
	}
	now := time.Now()
	txn := &Txn{
		ID:              txnID,
		state:           StateInit,
		startedAt:       now,
		prepareDeadline: now.Add(c.prepareTimeout),
		commitDeadline:  now.Add(configs.CommitTimeout),
	}
	c.active[txnID] = txn
	c.logs.Append(txnID, StateName(StateInit), "BEGIN")
	configs.TxnPrint(txnID, "coordinator: transaction started")
	return txn, nil
}

// Register enlists a participant; registration order is the iteration
// order for every later phase. Participants are append-only until the
// transaction reaches a terminal state.
func (c *Coordinator) Register(txn *Txn, p Participant) error {
	txn.latch.Lock()
	defer txn.latch.Unlock()
	if txn.state != StateInit {
		return errors.Errorf("cannot register in state %s", StateName(txn.state))
	}
	if len(txn.parts) >= c.maxParts {
		return ErrTooManyParts
	}
	txn.parts = append(txn.parts, slot{part: p, state: PartInit})
	configs.TxnPrint(txn.ID, "coordinator: participant %s registered", p.Name())
	return nil
}

// GetByID returns the active transaction or nil.
func (c *Coordinator) GetByID(txnID string) *Txn {
	c.latch.Lock()
	defer c.latch.Unlock()
	return c.active[txnID]
}

func (c *Coordinator) remove(txnID string) {
	c.latch.Lock()
	delete(c.active, txnID)
	c.latch.Unlock()
}

func (c *Coordinator) transit(txn *Txn, state uint8, action string) {
	txn.state = state
	c.logs.Append(txn.ID, StateName(state), action)
}

// Commit runs the two phases. It returns nil only when every
// participant acknowledged both PREPARE and COMMIT. ErrAborted means
// the transaction rolled back cleanly during PREPARE; ErrCommitFailed
// means at least one resource committed while another did not, and the
// caller owns enqueueing compensation.
func (c *Coordinator) Commit(ctx context.Context, txn *Txn) error {
	txn.latch.Lock()
	defer txn.latch.Unlock()
	defer c.remove(txn.ID)

	// Phase 1: PREPARE, fail fast on the first refusal.
	c.transit(txn, StatePreparing, "PREPARE_START")
	allPrepared := true
	for i := range txn.parts {
		s := &txn.parts[i]
		pctx, cancel := context.WithDeadline(ctx, txn.prepareDeadline)
		err := s.part.Prepare(pctx, txn.ID)
		cancel()
		if err != nil {
			s.state = PartFailed
			allPrepared = false
			log.WithFields(log.Fields{"event": "twopc", "txn_id": txn.ID, "participant": s.part.Name()}).
				WithError(err).Error("participant prepare failed")
			break
		}
		s.state = PartPrepared
		configs.TxnPrint(txn.ID, "coordinator: %s prepared", s.part.Name())
	}

	if allPrepared {
		c.transit(txn, StatePrepared, "PREPARED")

		// Phase 2: COMMIT in registration order. A failure here
		// cannot be rolled back: some resources may already be
		// committed, so the transaction is marked FAILED and the
		// caller compensates.
		c.transit(txn, StateCommitting, "COMMIT_START")
		commitOK := true
		for i := range txn.parts {
			s := &txn.parts[i]
			if s.state != PartPrepared {
				continue
			}
			if err := s.part.Commit(ctx, txn.ID); err != nil {
				s.state = PartFailed
				commitOK = false
				log.WithFields(log.Fields{"event": "twopc", "txn_id": txn.ID, "participant": s.part.Name()}).
					WithError(err).Error("participant commit failed")
				continue
			}
			s.state = PartCommitted
		}
		if commitOK {
			c.transit(txn, StateCommitted, "COMMITTED")
			c.mtr.IncTwoPCCommitted()
			configs.TxnPrint(txn.ID, "coordinator: committed")
			return nil
		}
		c.transit(txn, StateFailed, "COMMIT_FAILED")
		return ErrCommitFailed
	}

	// PREPARE refused: abort everyone who is PREPARED or FAILED;
	// participants never reached stay untouched.
	c.abortLocked(ctx, txn, "ABORT_START")
	return ErrAborted
}

// Abort rolls back an in-flight transaction explicitly (setup errors
// before Commit was attempted).
func (c *Coordinator) Abort(ctx context.Context, txn *Txn) {
	txn.latch.Lock()
	defer txn.latch.Unlock()
	defer c.remove(txn.ID)
	c.abortAllLocked(ctx, txn)
}

func (c *Coordinator) abortLocked(ctx context.Context, txn *Txn, action string) {
	c.transit(txn, StateAborting, action)
	for i := range txn.parts {
		s := &txn.parts[i]
		if s.state != PartPrepared && s.state != PartFailed {
			continue
		}
		_ = s.part.Abort(ctx, txn.ID)
		s.state = PartAborted
	}
	c.transit(txn, StateAborted, "ABORTED")
	c.mtr.IncTwoPCAborted()
	configs.TxnPrint(txn.ID, "coordinator: aborted")
}

func (c *Coordinator) abortAllLocked(ctx context.Context, txn *Txn) {
	c.transit(txn, StateAborting, "ABORT_EXPLICIT")
	for i := range txn.parts {
		s := &txn.parts[i]
		_ = s.part.Abort(ctx, txn.ID)
		s.state = PartAborted
	}
	c.transit(txn, StateAborted, "ABORTED")
	c.mtr.IncTwoPCAborted()
}
