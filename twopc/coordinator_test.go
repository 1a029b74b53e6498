package twopc

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"minivisa/metrics"
)

// fakePart records protocol calls in a shared trace so tests can
// assert phase ordering across participants.
type fakePart struct {
	name       string
	prepareErr error
	commitErr  error
	trace      *[]string
}

func (f *fakePart) Name() string { return f.name }

func (f *fakePart) Prepare(_ context.Context, txnID string) error {
	*f.trace = append(*f.trace, "prepare:"+f.name)
	return f.prepareErr
}

func (f *fakePart) Commit(_ context.Context, txnID string) error {
	*f.trace = append(*f.trace, "commit:"+f.name)
	return f.commitErr
}

func (f *fakePart) Abort(_ context.Context, txnID string) error {
	*f.trace = append(*f.trace, "abort:"+f.name)
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *metrics.Metrics) {
	t.Helper()
	logs, err := OpenStateLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = logs.Close() })
	mtr := metrics.New()
	return NewCoordinator(logs, mtr), mtr
}

func TestCommitAllParticipants(t *testing.T) {
	c, mtr := newTestCoordinator(t)
	var trace []string
	db := &fakePart{name: "database", trace: &trace}
	clr := &fakePart{name: "clearing", trace: &trace}

	txn, err := c.Begin("t1")
	require.NoError(t, err)
	require.NoError(t, c.Register(txn, db))
	require.NoError(t, c.Register(txn, clr))

	require.NoError(t, c.Commit(context.Background(), txn))
	require.Equal(t, []string{
		"prepare:database", "prepare:clearing",
		"commit:database", "commit:clearing",
	}, trace)
	require.Equal(t, StateCommitted, txn.State())
	require.Equal(t, uint64(1), mtr.Snapshot().TwoPCCommitted)
	require.Nil(t, c.GetByID("t1"))
}

func TestPrepareFailureAbortsPreparedAndFailed(t *testing.T) {
	c, mtr := newTestCoordinator(t)
	var trace []string
	db := &fakePart{name: "database", trace: &trace}
	clr := &fakePart{name: "clearing", trace: &trace, prepareErr: errors.New("issuer down")}
	third := &fakePart{name: "ledger", trace: &trace}

	txn, err := c.Begin("t1")
	require.NoError(t, err)
	require.NoError(t, c.Register(txn, db))
	require.NoError(t, c.Register(txn, clr))
	require.NoError(t, c.Register(txn, third))

	err = c.Commit(context.Background(), txn)
	require.ErrorIs(t, err, ErrAborted)

	// The third participant was never prepared and must not see Abort.
	require.Equal(t, []string{
		"prepare:database", "prepare:clearing",
		"abort:database", "abort:clearing",
	}, trace)
	require.Equal(t, StateAborted, txn.State())
	require.Equal(t, PartAborted, txn.ParticipantState("database"))
	require.Equal(t, PartInit, txn.ParticipantState("ledger"))
	require.Equal(t, uint64(1), mtr.Snapshot().TwoPCAborted)
}

func TestCommitPhaseFailureMarksFailed(t *testing.T) {
	c, _ := newTestCoordinator(t)
	var trace []string
	db := &fakePart{name: "database", trace: &trace}
	clr := &fakePart{name: "clearing", trace: &trace, commitErr: errors.New("hold vanished")}

	txn, err := c.Begin("t1")
	require.NoError(t, err)
	require.NoError(t, c.Register(txn, db))
	require.NoError(t, c.Register(txn, clr))

	err = c.Commit(context.Background(), txn)
	require.ErrorIs(t, err, ErrCommitFailed)

	// Both commits are attempted; nothing is rolled back in phase two.
	require.Equal(t, []string{
		"prepare:database", "prepare:clearing",
		"commit:database", "commit:clearing",
	}, trace)
	require.Equal(t, StateFailed, txn.State())
	require.Equal(t, PartCommitted, txn.ParticipantState("database"))
	require.Equal(t, PartFailed, txn.ParticipantState("clearing"))
}

func TestBeginDuplicate(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Begin("t1")
	require.NoError(t, err)
	_, err = c.Begin("t1")
	require.ErrorIs(t, err, ErrDuplicateTxn)
}

func TestBeginCapacity(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.maxActive = 2
	_, err := c.Begin("t1")
	require.NoError(t, err)
	_, err = c.Begin("t2")
	require.NoError(t, err)
	_, err = c.Begin("t3")
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestRegisterLimits(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.maxParts = 2
	var trace []string
	txn, err := c.Begin("t1")
	require.NoError(t, err)
	require.NoError(t, c.Register(txn, &fakePart{name: "a", trace: &trace}))
	require.NoError(t, c.Register(txn, &fakePart{name: "b", trace: &trace}))
	require.ErrorIs(t, c.Register(txn, &fakePart{name: "c", trace: &trace}), ErrTooManyParts)
}

func TestExplicitAbort(t *testing.T) {
	c, mtr := newTestCoordinator(t)
	var trace []string
	db := &fakePart{name: "database", trace: &trace}

	txn, err := c.Begin("t1")
	require.NoError(t, err)
	require.NoError(t, c.Register(txn, db))

	c.Abort(context.Background(), txn)
	require.Equal(t, []string{"abort:database"}, trace)
	require.Equal(t, StateAborted, txn.State())
	require.Nil(t, c.GetByID("t1"))
	require.Equal(t, uint64(1), mtr.Snapshot().TwoPCAborted)
}

func TestStateLogInDoubt(t *testing.T) {
	dir := t.TempDir()
	logs, err := OpenStateLog(dir)
	require.NoError(t, err)

	logs.Append("t1", "PREPARED", "PREPARED")
	logs.Append("t1", "COMMITTED", "COMMITTED")
	logs.Append("t2", "PREPARED", "PREPARED")
	logs.Append("t3", "FAILED", "COMMIT_FAILED")
	logs.Append("t4", "ABORTED", "ABORTED")
	require.NoError(t, logs.Close())

	logs, err = OpenStateLog(dir)
	require.NoError(t, err)
	defer logs.Close()

	doubt, err := logs.InDoubt()
	require.NoError(t, err)
	require.Equal(t, []string{"t2", "t3"}, doubt)
}

func TestConcurrentTransactionsIndependent(t *testing.T) {
	c, mtr := newTestCoordinator(t)
	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("t%d", i)
		go func() {
			var trace []string
			txn, err := c.Begin(id)
			if err != nil {
				done <- err
				return
			}
			if err := c.Register(txn, &fakePart{name: "database", trace: &trace}); err != nil {
				done <- err
				return
			}
			done <- c.Commit(context.Background(), txn)
		}()
	}
	for i := 0; i < 16; i++ {
		require.NoError(t, <-done)
	}
	require.Equal(t, uint64(16), mtr.Snapshot().TwoPCCommitted)
}
