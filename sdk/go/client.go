package hiveledgersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal HiveLedger HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Balance is the API account view. All amounts are decimal strings.
type Balance struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Balance   string `json:"balance"`
	Reserved  string `json:"reserved"`
	Pending   string `json:"pending"`
	Available string `json:"available"`
	Frozen    bool   `json:"frozen,omitempty"`
}

// Job represents the API job model.
type Job struct {
	ID          string  `json:"id"`
	EpochID     int64   `json:"epoch_id"`
	ClientID    string  `json:"client_id"`
	WorkerID    string  `json:"worker_id,omitempty"`
	Fee         string  `json:"fee"`
	PoEHash     string  `json:"proof_of_execution_hash,omitempty"`
	SubmittedAt string  `json:"submitted_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Status      string  `json:"status"`
}

// Epoch represents the API epoch model.
type Epoch struct {
	ID            int64   `json:"id"`
	Status        string  `json:"status"`
	StartTime     string  `json:"start_time"`
	EndTime       *string `json:"end_time,omitempty"`
	JobCount      int     `json:"job_count"`
	MerkleRoot    string  `json:"merkle_root,omitempty"`
	TotalRevenue  string  `json:"total_revenue"`
	ProtocolFee   string  `json:"protocol_fee"`
	OperatorFee   string  `json:"operator_fee"`
	WorkPool      string  `json:"work_pool"`
	ReadinessPool string  `json:"readiness_pool"`
	Signature     string  `json:"signature,omitempty"`
	ArchiveRef    string  `json:"archive_ref,omitempty"`
	SealedAt      *string `json:"sealed_at,omitempty"`
}

// Settlement is the per-worker payout breakdown for one epoch.
type Settlement struct {
	WorkerID       string  `json:"worker_id"`
	JobsCompleted  int     `json:"jobs_completed"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	WorkShare      string  `json:"work_share"`
	ReadinessShare string  `json:"readiness_share"`
	TotalPayout    string  `json:"total_payout"`
	AppliedAt      *string `json:"applied_at,omitempty"`
}

// ProofStep is one sibling hash on a Merkle inclusion path.
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"`
}

// Receipt proves a job is part of a finalized epoch's commitment.
type Receipt struct {
	EpochID    int64       `json:"epoch_id"`
	JobID      string      `json:"job_id"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	Proof      []ProofStep `json:"proof"`
}

// Withdrawal represents the API withdrawal model.
type Withdrawal struct {
	ID            string  `json:"id"`
	AccountID     string  `json:"account_id"`
	Amount        string  `json:"amount"`
	Destination   string  `json:"destination"`
	Status        string  `json:"status"`
	RailRef       string  `json:"rail_ref,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
	ResolvedAt    *string `json:"resolved_at,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitJob admits a job and reserves its fee in the active epoch.
func (c *Client) SubmitJob(ctx context.Context, jobID, clientID, fee string) (Job, error) {
	body := map[string]any{
		"job_id":    jobID,
		"client_id": clientID,
		"fee":       fee,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "v1/jobs/submitted", body, &resp)
	return resp, err
}

// CompleteJob charges the fee and accrues the worker's pending credit.
func (c *Client) CompleteJob(ctx context.Context, jobID, workerID, poeHash string) (Job, error) {
	body := map[string]any{
		"worker_id":               workerID,
		"proof_of_execution_hash": poeHash,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%s/completed", url.PathEscape(jobID)), body, &resp)
	return resp, err
}

// FailJob releases the fee hold for a failed job.
func (c *Client) FailJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%s/failed", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// RecordUptime accrues readiness seconds for a worker.
func (c *Client) RecordUptime(ctx context.Context, workerID string, seconds int64) error {
	body := map[string]any{
		"worker_id": workerID,
		"seconds":   seconds,
	}
	return c.do(ctx, http.MethodPost, "v1/uptime", body, nil)
}

// GetBalance returns one account's balance view.
func (c *Client) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/accounts/%s", url.PathEscape(accountID)), nil, &resp)
	return resp, err
}

// ConfirmDeposit credits an external deposit. Idempotent on externalRef.
func (c *Client) ConfirmDeposit(ctx context.Context, accountID, accountType, amount, externalRef string) error {
	body := map[string]any{
		"account_id":   accountID,
		"account_type": accountType,
		"amount":       amount,
		"external_ref": externalRef,
	}
	return c.do(ctx, http.MethodPost, "v1/deposits", body, nil)
}

// RequestWithdrawal submits a payout to an external destination.
func (c *Client) RequestWithdrawal(ctx context.Context, accountID, destination, amount string) (Withdrawal, error) {
	body := map[string]any{
		"account_id":  accountID,
		"destination": destination,
		"amount":      amount,
	}
	var resp Withdrawal
	err := c.do(ctx, http.MethodPost, "v1/withdrawals", body, &resp)
	return resp, err
}

// ConfirmWithdrawal reports the rail settled the payout.
func (c *Client) ConfirmWithdrawal(ctx context.Context, withdrawalID, railRef string) (Withdrawal, error) {
	body := map[string]any{"rail_ref": railRef}
	var resp Withdrawal
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/withdrawals/%s/confirm", url.PathEscape(withdrawalID)), body, &resp)
	return resp, err
}

// FailWithdrawal reports the rail rejected the payout; the hold is released.
func (c *Client) FailWithdrawal(ctx context.Context, withdrawalID, reason string) (Withdrawal, error) {
	body := map[string]any{"reason": reason}
	var resp Withdrawal
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/withdrawals/%s/fail", url.PathEscape(withdrawalID)), body, &resp)
	return resp, err
}

// CurrentEpoch returns the active epoch.
func (c *Client) CurrentEpoch(ctx context.Context) (Epoch, error) {
	var resp Epoch
	err := c.do(ctx, http.MethodGet, "v1/epochs/current", nil, &resp)
	return resp, err
}

// GetEpoch returns one epoch.
func (c *Client) GetEpoch(ctx context.Context, epochID int64) (Epoch, error) {
	var resp Epoch
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/epochs/%d", epochID), nil, &resp)
	return resp, err
}

// SealEpoch triggers the sealing pipeline. Safe to call repeatedly.
func (c *Client) SealEpoch(ctx context.Context, epochID int64) (Epoch, error) {
	var resp Epoch
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/epochs/%d/seal", epochID), nil, &resp)
	return resp, err
}

// ListSettlements returns the per-worker payouts of one epoch.
func (c *Client) ListSettlements(ctx context.Context, epochID int64) ([]Settlement, error) {
	var resp struct {
		Settlements []Settlement `json:"settlements"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/epochs/%d/settlements", epochID), nil, &resp)
	return resp.Settlements, err
}

// GetReceipt fetches the Merkle inclusion proof for a job.
func (c *Client) GetReceipt(ctx context.Context, epochID int64, jobID string) (Receipt, error) {
	var resp Receipt
	endpoint := fmt.Sprintf("v1/epochs/%d/jobs/%s/receipt", epochID, url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyReceipt checks a receipt against the epoch's stored root.
func (c *Client) VerifyReceipt(ctx context.Context, epochID int64, leafHash string, proof []ProofStep) (bool, error) {
	body := map[string]any{
		"leaf_hash": leafHash,
		"proof":     proof,
	}
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/epochs/%d/verify", epochID), body, &resp)
	return resp.Valid, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
