package configs

import (
	"time"
)

const Version = "mini-visa/1.2.0"

// Debugging parameters.
var (
	ShowDebugInfo = false
	ShowWarnings  = ShowDebugInfo
	ShowTestInfo  = ShowDebugInfo
	LogToFile     = false
)

// Status codes.
const (
	StatusApproved = "APPROVED"
	StatusDeclined = "DECLINED"

	// BadRequest et al. the decline reason codes returned to clients.
	BadRequest             = "bad_request"
	LuhnFailed             = "luhn_failed"
	AmountInvalid          = "amount_invalid"
	AmountLimitExceeded    = "amount_limit_exceeded"
	BlacklistedPAN         = "blacklisted_pan"
	VelocityLimitExceeded  = "velocity_limit_exceeded"
	RiskDecline            = "risk_decline"
	TxnInitFailed          = "txn_init_failed"
	ParticipantInitFailed  = "participant_init_failed"
	ParticipantRegFailed   = "participant_registration_failed"
	DBBeginFailed          = "db_begin_failed"
	ClearingSetupFailed    = "clearing_setup_failed"
	DBError                = "db_error"
	CommitFailed           = "commit_failed"
	ServerBusy             = "server_busy"

	// MsgAuth et al. the request message types.
	MsgAuth     = "AUTH"
	MsgCapture  = "CAPTURE"
	MsgRefund   = "REFUND"
	MsgReversal = "REVERSAL"

	DefaultCurrency   = "USD"
	DefaultMerchantID = "MERCHANT001"
)

// System parameters.
const (
	MaxParticipants       = 8
	MaxActiveTransactions = 1024
	PrepareTimeout        = 30 * time.Second
	CommitTimeout         = 30 * time.Second
	SocketTimeout         = 5 * time.Second
	VelocityTableCap      = 1024
	AmountHardCap         = 10000.0
)

// Config carries the runtime knobs read from the environment.
type Config struct {
	ListenPort int
	Workers    int
	QueueCap   int
	DBURI      string
	APIToken   string

	RiskEnabled        bool
	RiskMaxAmount      float64
	RiskVelocityLimit  int
	RiskVelocityWindow time.Duration
	RiskBlacklistBINs  []string

	ClearingURL      string
	ClearingTimeout  time.Duration
	ClearingCBWindow time.Duration
	ClearingCBFails  int
	ClearingCBOpen   time.Duration
	ClearingRetryMax int
	ClearingBackoff  time.Duration

	ReversalMaxAttempts int
	ReversalBaseDelay   time.Duration

	TxnLogDir string
}
