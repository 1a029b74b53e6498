// Package pipeline orchestrates one authorization from parsed request
// to committed outcome: validation, risk, then a two-phase commit over
// the database and the clearing network.
package pipeline

import (
	"context"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"minivisa/configs"
	"minivisa/iso"
	"minivisa/metrics"
	"minivisa/risk"
	"minivisa/storage"
	"minivisa/twopc"
)

// Response is the wire answer for one request.
type Response struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	TxnID      string `json:"txn_id,omitempty"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

// ClearingParticipant is what the pipeline needs from the clearing
// connector beyond the plain two-phase protocol.
type ClearingParticipant interface {
	twopc.Participant
	SetTransaction(txnID, pan, amount, currency, merchantID string)
	HasHold() bool
}

// ClearingFactory mints one participant per transaction.
type ClearingFactory interface {
	NewParticipant() ClearingParticipant
}

// ClearingFactoryFunc adapts a closure to ClearingFactory.
type ClearingFactoryFunc func() ClearingParticipant

func (f ClearingFactoryFunc) NewParticipant() ClearingParticipant { return f() }

// Compensator receives the void work for transactions whose commit
// phase failed.
type Compensator interface {
	Enqueue(txnID, maskedPAN, amount, merchantID string)
}

type Pipeline struct {
	mtr      *metrics.Metrics
	risk     *risk.Engine
	coord    *twopc.Coordinator
	db       storage.Beginner
	clearing ClearingFactory
	rev      Compensator
	now      func() time.Time
}

func New(mtr *metrics.Metrics, rk *risk.Engine, coord *twopc.Coordinator,
	db storage.Beginner, cf ClearingFactory, rev Compensator) *Pipeline {
	return &Pipeline{
		mtr:      mtr,
		risk:     rk,
		coord:    coord,
		db:       db,
		clearing: cf,
		rev:      rev,
		now:      time.Now,
	}
}

func declined(reason string) *Response {
	return &Response{Status: configs.StatusDeclined, Reason: reason}
}

// Process runs one request line through the full pipeline and always
// returns a response.
func (p *Pipeline) Process(ctx context.Context, line []byte) *Response {
	start := p.now()
	p.mtr.IncTotal()

	req, err := iso.ParseRequestLine(line)
	if err != nil {
		p.mtr.IncDeclined()
		return p.logged(start, nil, "", declined(configs.BadRequest))
	}

	if !iso.LuhnCheck(req.PAN) {
		p.mtr.IncDeclined()
		p.mtr.IncRiskDeclined()
		return p.logged(start, req, "", declined(configs.LuhnFailed))
	}

	amount, err := strconv.ParseFloat(req.Amount, 64)
	if err != nil || amount <= 0 || amount > configs.AmountHardCap {
		p.mtr.IncDeclined()
		return p.logged(start, req, "", declined(configs.AmountInvalid))
	}

	if d := p.risk.Evaluate(req, amount); !d.Allow {
		p.mtr.IncDeclined()
		p.mtr.IncRiskDeclined()
		return p.logged(start, req, "", declined(d.Reason))
	}

	masked := iso.MaskPAN(req.PAN)
	txnID := "visa_" + req.RequestID + "_" + strconv.FormatInt(p.now().UnixNano(), 10)

	resp := p.authorize(ctx, req, masked, txnID)
	if resp.Status == configs.StatusApproved {
		p.mtr.IncApproved()
	} else {
		p.mtr.IncDeclined()
	}
	return p.logged(start, req, txnID, resp)
}

// authorize runs steps 7..9: transaction setup, intent write, and the
// two-phase commit.
func (p *Pipeline) authorize(ctx context.Context, req *iso.Request, masked, txnID string) *Response {
	txn, err := p.coord.Begin(txnID)
	if err != nil {
		return declined(configs.TxnInitFailed)
	}

	dbPart := storage.NewDBParticipant(p.db)
	if p.clearing == nil {
		p.coord.Abort(ctx, txn)
		return declined(configs.ClearingSetupFailed)
	}
	clrPart := p.clearing.NewParticipant()

	// Registration order fixes the phase iteration order: the durable
	// intent commits before the capture message goes out.
	if err := p.coord.Register(txn, dbPart); err != nil {
		p.coord.Abort(ctx, txn)
		return declined(configs.ParticipantRegFailed)
	}
	if err := p.coord.Register(txn, clrPart); err != nil {
		p.coord.Abort(ctx, txn)
		return declined(configs.ParticipantRegFailed)
	}

	if err := dbPart.Begin(ctx, txnID); err != nil {
		p.coord.Abort(ctx, txn)
		return declined(configs.DBBeginFailed)
	}
	clrPart.SetTransaction(txnID, masked, req.Amount, req.Currency, req.MerchantID)

	dup, _, err := dbPart.InsertTransaction(ctx, req.RequestID, masked, req.Amount, configs.StatusApproved)
	if err != nil {
		p.coord.Abort(ctx, txn)
		return declined(configs.DBError)
	}

	if err := p.coord.Commit(ctx, txn); err != nil {
		// Some resource may hold committed state; compensation owns
		// the cleanup from here. Voiding an already-aborted hold is a
		// remote no-op.
		p.rev.Enqueue(txnID, masked, req.Amount, req.MerchantID)
		return declined(configs.CommitFailed)
	}
	return &Response{Status: configs.StatusApproved, TxnID: txnID, Idempotent: dup}
}

func (p *Pipeline) logged(start time.Time, req *iso.Request, txnID string, resp *Response) *Response {
	fields := log.Fields{
		"event":      "authorization",
		"status":     resp.Status,
		"latency_us": p.now().Sub(start).Microseconds(),
	}
	if req != nil {
		fields["pan"] = iso.MaskPAN(req.PAN)
		if req.RequestID != "" {
			fields["request_id"] = req.RequestID
		}
	}
	if txnID != "" {
		fields["txn_id"] = txnID
	}
	if resp.Reason != "" {
		fields["reason"] = resp.Reason
	}
	log.WithFields(fields).Info("request processed")
	return resp
}
