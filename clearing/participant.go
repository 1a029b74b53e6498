package clearing

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"minivisa/configs"
	"minivisa/metrics"
)

var (
	// ErrShortCircuit means the breaker refused the call without
	// touching the network.
	ErrShortCircuit = errors.New("clearing: circuit open")
	// ErrDeclined is a definitive business refusal from the simulator;
	// it is not retried and does not count against the breaker.
	ErrDeclined = errors.New("clearing: declined")
)

type rpcRequest struct {
	TxnID      string `json:"txn_id"`
	PAN        string `json:"pan"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	MerchantID string `json:"merchant_id"`
}

type rpcResponse struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Client is the shared clearing connector: one HTTP client, one
// breaker, one retry policy. Participants are minted per transaction.
type Client struct {
	http    *http.Client
	baseURL string
	breaker *Breaker

	maxRetries  int
	backoffBase time.Duration
	callTimeout time.Duration

	sleep func(time.Duration)
}

func NewClient(cfg *configs.Config, mtr *metrics.Metrics) *Client {
	return &Client{
		http:        &http.Client{},
		baseURL:     cfg.ClearingURL,
		breaker:     NewBreaker(cfg.ClearingCBWindow, cfg.ClearingCBFails, cfg.ClearingCBOpen, mtr),
		maxRetries:  cfg.ClearingRetryMax,
		backoffBase: cfg.ClearingBackoff,
		callTimeout: cfg.ClearingTimeout,
		sleep:       time.Sleep,
	}
}

func (c *Client) Breaker() *Breaker { return c.breaker }

// call runs one logical RPC with bounded retries. Transport failures
// back off exponentially and feed the breaker; a decline returns
// immediately.
func (c *Client) call(ctx context.Context, path string, req rpcRequest) error {
	if !c.breaker.Allow() {
		return ErrShortCircuit
	}
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "encode clearing request")
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(c.backoffBase << uint(attempt-1))
		}
		resp, err := c.post(ctx, path, body)
		if err == nil {
			if resp.OK {
				c.breaker.OnSuccess()
				return nil
			}
			// A well-formed refusal is final.
			c.breaker.OnSuccess()
			return errors.Wrap(ErrDeclined, resp.Error)
		}
		lastErr = err
		c.breaker.OnFailure()
	}
	return errors.Wrapf(lastErr, "clearing %s after %d attempts", path, c.maxRetries+1)
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*rpcResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build clearing request")
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "clearing rpc")
	}
	defer res.Body.Close()
	data, err := ioutil.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err != nil {
		return nil, errors.Wrap(err, "read clearing response")
	}
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("clearing rpc status %d", res.StatusCode)
	}
	out := &rpcResponse{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, errors.Wrap(err, "decode clearing response")
	}
	return out, nil
}

// VoidHold releases the authorization hold for a failed transaction.
// Unlike Participant.Abort it surfaces the real error so the reversal
// queue can reschedule.
func (c *Client) VoidHold(ctx context.Context, txnID, pan, amount, merchantID string) error {
	return c.call(ctx, "/abort", rpcRequest{
		TxnID:      txnID,
		PAN:        pan,
		Amount:     amount,
		Currency:   configs.DefaultCurrency,
		MerchantID: merchantID,
	})
}

// Participant enlists the clearing network in one transaction. Prepare
// places the authorization hold; Commit captures it; Abort voids it
// best-effort.
type Participant struct {
	client *Client

	latch   sync.Mutex
	txnID   string
	details rpcRequest
	hasHold bool
}

func (c *Client) NewParticipant() *Participant {
	return &Participant{client: c}
}

func (p *Participant) Name() string { return "clearing" }

// SetTransaction stores the card details sent with every phase call.
func (p *Participant) SetTransaction(txnID, pan, amount, currency, merchantID string) {
	p.latch.Lock()
	defer p.latch.Unlock()
	p.txnID = txnID
	p.details = rpcRequest{
		TxnID:      txnID,
		PAN:        pan,
		Amount:     amount,
		Currency:   currency,
		MerchantID: merchantID,
	}
}

func (p *Participant) Prepare(ctx context.Context, txnID string) error {
	p.latch.Lock()
	defer p.latch.Unlock()
	if p.txnID != txnID {
		return errors.Errorf("clearing participant: unknown transaction %s", txnID)
	}
	if err := p.client.call(ctx, "/prepare", p.details); err != nil {
		return err
	}
	p.hasHold = true
	configs.TxnPrint(txnID, "clearing participant: hold placed")
	return nil
}

func (p *Participant) Commit(ctx context.Context, txnID string) error {
	p.latch.Lock()
	defer p.latch.Unlock()
	if p.txnID != txnID || !p.hasHold {
		return errors.Errorf("clearing participant: no hold for %s", txnID)
	}
	if err := p.client.call(ctx, "/commit", p.details); err != nil {
		return err
	}
	p.hasHold = false
	configs.TxnPrint(txnID, "clearing participant: captured")
	return nil
}

// Abort voids the hold best-effort and always reports OK; a failed
// void is the reversal queue's problem, not the abort path's.
func (p *Participant) Abort(ctx context.Context, txnID string) error {
	p.latch.Lock()
	defer p.latch.Unlock()
	if p.txnID != txnID || !p.hasHold {
		return nil
	}
	if err := p.client.call(ctx, "/abort", p.details); err != nil {
		configs.Warn(false, "clearing void failed for "+txnID+": "+err.Error())
	}
	p.hasHold = false
	return nil
}

// HasHold reports whether a hold is outstanding; the pipeline checks
// it when deciding whether a failed transaction needs compensation.
func (p *Participant) HasHold() bool {
	p.latch.Lock()
	defer p.latch.Unlock()
	return p.hasHold
}
