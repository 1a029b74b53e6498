package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"minivisa/configs"
)

// DBTxnState tracks the participant's local transaction.
const (
	TxnNone uint8 = iota
	TxnActive
	TxnPrepared
	TxnCommitted
	TxnAborted
)

// DBParticipant drives one logical database transaction through the
// two-phase protocol: BEGIN, work, PREPARE TRANSACTION, then
// COMMIT PREPARED or ROLLBACK [PREPARED]. One participant context
// handles one txn_id at a time.
type DBParticipant struct {
	db Beginner

	latch sync.Mutex
	state uint8
	txnID string
	tx    LocalTxn
}

func NewDBParticipant(db Beginner) *DBParticipant {
	return &DBParticipant{db: db, state: TxnNone}
}

func (c *DBParticipant) Name() string { return "database" }

// gid derives the global identifier used to tag the prepared
// transaction. Single quotes are doubled since the identifier cannot
// be bound as a statement parameter.
func gid(txnID string) string {
	return strings.ReplaceAll(txnID, "'", "''")
}

// Begin opens the local transaction. A participant context runs one
// transaction at a time.
func (c *DBParticipant) Begin(ctx context.Context, txnID string) error {
	c.latch.Lock()
	defer c.latch.Unlock()
	if c.state == TxnActive || c.state == TxnPrepared {
		return errors.Errorf("already in transaction %s", c.txnID)
	}
	tx, err := c.db.BeginLocal(ctx)
	if err != nil {
		return err
	}
	c.tx = tx
	c.txnID = txnID
	c.state = TxnActive
	configs.TxnPrint(txnID, "db participant: local transaction started")
	return nil
}

// InsertTransaction runs the idempotent insert under the active local
// transaction and reports whether the request_id already existed.
func (c *DBParticipant) InsertTransaction(ctx context.Context, requestID, panMasked, amount, status string) (bool, string, error) {
	c.latch.Lock()
	defer c.latch.Unlock()
	if c.state != TxnActive {
		return false, "", errors.New("db participant: not in an active transaction")
	}
	return InsertOrGet(ctx, c.tx, requestID, panMasked, amount, status)
}

// Prepare issues the prepared-transaction barrier. On success the
// local work is durable and awaits the global decision; on failure the
// transaction stays active so Abort can roll it back locally.
func (c *DBParticipant) Prepare(ctx context.Context, txnID string) error {
	c.latch.Lock()
	defer c.latch.Unlock()
	if c.state != TxnActive || c.txnID != txnID {
		return errors.Errorf("db participant: transaction mismatch or not active for %s", txnID)
	}
	if err := c.tx.Exec(ctx, "PREPARE TRANSACTION '"+gid(txnID)+"'"); err != nil {
		return errors.Wrap(err, "PREPARE TRANSACTION")
	}
	c.state = TxnPrepared
	configs.TxnPrint(txnID, "db participant: prepared")
	return nil
}

// Commit commits the prepared transaction. Barring operator
// intervention this must succeed once Prepare returned OK.
func (c *DBParticipant) Commit(ctx context.Context, txnID string) error {
	c.latch.Lock()
	defer c.latch.Unlock()
	if c.state != TxnPrepared || c.txnID != txnID {
		return errors.Errorf("db participant: no prepared transaction for %s", txnID)
	}
	if err := c.tx.Exec(ctx, "COMMIT PREPARED '"+gid(txnID)+"'"); err != nil {
		return errors.Wrap(err, "COMMIT PREPARED")
	}
	// The session transaction already ended at PREPARE; Commit here
	// only releases the pooled connection.
	_ = c.tx.Commit(ctx)
	c.state = TxnCommitted
	c.txnID = ""
	c.tx = nil
	configs.TxnPrint(txnID, "db participant: committed")
	return nil
}

// Abort rolls back the active transaction, or the prepared one if the
// barrier was already issued. Aborting with nothing to roll back is a
// no-op; Abort always returns nil.
func (c *DBParticipant) Abort(ctx context.Context, txnID string) error {
	c.latch.Lock()
	defer c.latch.Unlock()
	switch {
	case c.state == TxnActive && c.txnID == txnID:
		if err := c.tx.Rollback(ctx); err != nil {
			configs.Warn(false, "db participant rollback failed: "+err.Error())
		}
	case c.state == TxnPrepared && c.txnID == txnID:
		if err := c.tx.Exec(ctx, "ROLLBACK PREPARED '"+gid(txnID)+"'"); err != nil {
			configs.Warn(false, "db participant rollback prepared failed: "+err.Error())
		}
		_ = c.tx.Rollback(ctx)
	default:
		return nil
	}
	c.state = TxnAborted
	c.txnID = ""
	c.tx = nil
	configs.TxnPrint(txnID, "db participant: rolled back")
	return nil
}
