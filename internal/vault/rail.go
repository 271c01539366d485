package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"hiveledger/internal/units"
)

var ErrRailFailure = errors.New("rail request failed")

// HTTPRail speaks to an external payment rail gateway: POST /payouts to
// emit an intent, GET /deposits/pending to pull confirmed inbound
// transfers for the reconciliation sweep.
type HTTPRail struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPRail(endpoint string, timeout time.Duration) *HTTPRail {
	return &HTTPRail{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (r *HTTPRail) SendPayout(ctx context.Context, withdrawalID, destination string, amount units.Amount) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"withdrawal_id": withdrawalID,
		"destination":   destination,
		"amount":        amount.String(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint+"/payouts", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRailFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRailFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrRailFailure, resp.StatusCode, snippet)
	}
	var out struct {
		RailRef string `json:"rail_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRailFailure, err)
	}
	if out.RailRef == "" {
		return "", fmt.Errorf("%w: empty rail reference", ErrRailFailure)
	}
	return out.RailRef, nil
}

func (r *HTTPRail) PendingDeposits(ctx context.Context) ([]RailDeposit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Endpoint+"/deposits/pending", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRailFailure, err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRailFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRailFailure, resp.StatusCode, snippet)
	}
	var out struct {
		Deposits []struct {
			ExternalRef string `json:"external_ref"`
			AccountID   string `json:"account_id"`
			AccountType string `json:"account_type"`
			Amount      string `json:"amount"`
		} `json:"deposits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRailFailure, err)
	}
	deposits := make([]RailDeposit, 0, len(out.Deposits))
	for _, d := range out.Deposits {
		amount, err := units.Parse(d.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: deposit %s: %v", ErrRailFailure, d.ExternalRef, err)
		}
		deposits = append(deposits, RailDeposit{
			ExternalRef: d.ExternalRef,
			AccountID:   d.AccountID,
			AccountType: d.AccountType,
			Amount:      amount,
		})
	}
	return deposits, nil
}

// ManualRail serves workspaces with no rail gateway configured: payout
// intents are acknowledged locally and resolved through the confirm and
// fail callbacks, and deposits arrive only through the API.
type ManualRail struct{}

func (ManualRail) SendPayout(ctx context.Context, withdrawalID, destination string, amount units.Amount) (string, error) {
	return "manual-" + withdrawalID, nil
}

func (ManualRail) PendingDeposits(ctx context.Context) ([]RailDeposit, error) {
	return nil, nil
}
