package domain

import "hiveledger/internal/units"

// Account types.
const (
	AccountClient   = "client"
	AccountWorker   = "worker"
	AccountTreasury = "treasury"
)

// Transaction kinds.
const (
	TxDeposit       = "deposit"
	TxReserve       = "reserve"
	TxCharge        = "charge"
	TxRelease       = "release"
	TxCreditPending = "credit_pending"
	TxCreditFinal   = "credit_final"
	TxPayout        = "payout"
	TxRefund        = "refund"
)

// Epoch statuses. Transitions are one-directional:
// active -> sealing -> finalized.
const (
	EpochActive    = "active"
	EpochSealing   = "sealing"
	EpochFinalized = "finalized"
)

// Job statuses.
const (
	JobReserved  = "reserved"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Withdrawal statuses.
const (
	WithdrawalPending   = "pending"
	WithdrawalCompleted = "completed"
	WithdrawalFailed    = "failed"
)

// Reservation statuses.
const (
	ReservationActive   = "active"
	ReservationCharged  = "charged"
	ReservationReleased = "released"
)

type Account struct {
	ID        string       `json:"id"`
	Type      string       `json:"type" enum:"client,worker,treasury"`
	Balance   units.Amount `json:"balance"`
	Reserved  units.Amount `json:"reserved"`
	Pending   units.Amount `json:"pending"`
	TotalIn   units.Amount `json:"total_in"`
	TotalOut  units.Amount `json:"total_out"`
	Frozen    bool         `json:"frozen,omitempty"`
	CreatedAt string       `json:"created_at" format:"date-time"`
	UpdatedAt string       `json:"updated_at" format:"date-time"`
}

// Available is the spendable balance: balance minus reserved holds.
func (a Account) Available() units.Amount {
	return a.Balance - a.Reserved
}

// Transaction is one append-only ledger row. Immutable once written;
// replaying all rows for an account from zero reproduces its balance.
type Transaction struct {
	Sequence     int64        `json:"sequence"`
	AccountID    string       `json:"account_id"`
	Kind         string       `json:"kind" enum:"deposit,reserve,charge,release,credit_pending,credit_final,payout,refund"`
	Amount       units.Amount `json:"amount"`
	BalanceAfter units.Amount `json:"balance_after"`
	ReferenceID  string       `json:"reference_id,omitempty"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
}

// Reservation is a provisional hold against available balance, keyed by
// the caller's reference id for idempotent retries.
type Reservation struct {
	AccountID   string       `json:"account_id"`
	ReferenceID string       `json:"reference_id"`
	Amount      units.Amount `json:"amount"`
	Status      string       `json:"status" enum:"active,charged,released"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
}

type Epoch struct {
	ID            int64        `json:"id"`
	Status        string       `json:"status" enum:"active,sealing,finalized"`
	StartTime     string       `json:"start_time" format:"date-time"`
	EndTime       *string      `json:"end_time,omitempty" format:"date-time"`
	JobCount      int          `json:"job_count"`
	MerkleRoot    string       `json:"merkle_root,omitempty"`
	TotalRevenue  units.Amount `json:"total_revenue"`
	ProtocolFee   units.Amount `json:"protocol_fee"`
	OperatorFee   units.Amount `json:"operator_fee"`
	WorkPool      units.Amount `json:"work_pool"`
	ReadinessPool units.Amount `json:"readiness_pool"`
	Signature     string       `json:"signature,omitempty"`
	ArchiveRef    string       `json:"archive_ref,omitempty"`
	SealedAt      *string      `json:"sealed_at,omitempty" format:"date-time"`
}

// JobRecord is owned by the external orchestrator; the ledger keeps the
// attribution copy it needs for sealing and reads it back frozen.
type JobRecord struct {
	ID          string       `json:"id"`
	EpochID     int64        `json:"epoch_id"`
	ClientID    string       `json:"client_id"`
	WorkerID    string       `json:"worker_id,omitempty"`
	Fee         units.Amount `json:"fee"`
	PoEHash     string       `json:"proof_of_execution_hash,omitempty"`
	SubmittedAt string       `json:"submitted_at" format:"date-time"`
	CompletedAt *string      `json:"completed_at,omitempty" format:"date-time"`
	Status      string       `json:"status" enum:"reserved,completed,failed"`
}

// Settlement is the per-worker payout breakdown for one epoch,
// unique on (epoch_id, worker_id).
type Settlement struct {
	EpochID        int64        `json:"epoch_id"`
	WorkerID       string       `json:"worker_id"`
	JobsCompleted  int          `json:"jobs_completed"`
	UptimeSeconds  int64        `json:"uptime_seconds"`
	WorkShare      units.Amount `json:"work_share"`
	ReadinessShare units.Amount `json:"readiness_share"`
	TotalPayout    units.Amount `json:"total_payout"`
	AppliedAt      *string      `json:"applied_at,omitempty" format:"date-time"`
}

// Deposit links an external-rail reference to the internal transaction
// that credited it. ExternalRef is the idempotency key.
type Deposit struct {
	ExternalRef string       `json:"external_ref"`
	AccountID   string       `json:"account_id"`
	Amount      units.Amount `json:"amount"`
	TxSequence  int64        `json:"tx_sequence"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
}

type Withdrawal struct {
	ID            string       `json:"id"`
	AccountID     string       `json:"account_id"`
	Amount        units.Amount `json:"amount"`
	Destination   string       `json:"destination"`
	Status        string       `json:"status" enum:"pending,completed,failed"`
	RailRef       string       `json:"rail_ref,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     string       `json:"created_at" format:"date-time"`
	ResolvedAt    *string      `json:"resolved_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
