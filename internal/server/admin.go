package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"hiveledger/internal/domain"
	"hiveledger/internal/repo"
	"hiveledger/internal/units"
)

// treasuryEpochEntry and apiKeyEntry are named so huma assigns each a
// distinct schema name; as inline structs both defaulted to "Item" and
// collided in the OpenAPI registry.
type treasuryEpochEntry struct {
	EpochID      int64  `json:"epoch_id"`
	TotalRevenue string `json:"total_revenue"`
	ProtocolFee  string `json:"protocol_fee"`
	OperatorFee  string `json:"operator_fee"`
	Distributed  string `json:"distributed"`
}

type apiKeyEntry struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

func registerAdmin(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Ledger-wide counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Accounts        map[string]int    `json:"accounts"`
			BalancesByType  map[string]string `json:"balances_by_type"`
			FinalizedEpochs int               `json:"finalized_epochs"`
			CurrentEpochID  int64             `json:"current_epoch_id"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				Accounts        map[string]int    `json:"accounts"`
				BalancesByType  map[string]string `json:"balances_by_type"`
				FinalizedEpochs int               `json:"finalized_epochs"`
				CurrentEpochID  int64             `json:"current_epoch_id"`
			} `json:"body"`
		}{}
		out.Body.Accounts = map[string]int{}
		out.Body.BalancesByType = map[string]string{}
		for _, kind := range []string{domain.AccountClient, domain.AccountWorker, domain.AccountTreasury} {
			accounts, err := cfg.Repo.ListAccounts(ctx, kind)
			if err != nil {
				return nil, handleError(err)
			}
			var total units.Amount
			for _, a := range accounts {
				total += a.Balance
			}
			out.Body.Accounts[kind] = len(accounts)
			out.Body.BalancesByType[kind] = total.String()
		}
		n, err := cfg.Repo.CountEpochsByStatus(ctx, domain.EpochFinalized)
		if err != nil {
			return nil, handleError(err)
		}
		out.Body.FinalizedEpochs = n
		if cur, err := cfg.Epochs.Current(ctx); err == nil {
			out.Body.CurrentEpochID = cur.ID
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-treasury-report",
		Method:      http.MethodGet,
		Path:        "/treasury/report",
		Summary:     "Fee split across finalized epochs",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" required:"false"`
	}) (*struct {
		Body struct {
			Epochs            []treasuryEpochEntry `json:"epochs"`
			TotalProtocolFees string               `json:"total_protocol_fees"`
			TotalOperatorFees string               `json:"total_operator_fees"`
		} `json:"body"`
	}, error) {
		epochs, err := cfg.Epochs.List(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Epochs            []treasuryEpochEntry `json:"epochs"`
				TotalProtocolFees string               `json:"total_protocol_fees"`
				TotalOperatorFees string               `json:"total_operator_fees"`
			} `json:"body"`
		}{}
		var protocol, operator units.Amount
		for _, e := range epochs {
			if e.Status != domain.EpochFinalized {
				continue
			}
			protocol += e.ProtocolFee
			operator += e.OperatorFee
			out.Body.Epochs = append(out.Body.Epochs, treasuryEpochEntry{
				EpochID:      e.ID,
				TotalRevenue: e.TotalRevenue.String(),
				ProtocolFee:  e.ProtocolFee.String(),
				OperatorFee:  e.OperatorFee.String(),
				Distributed:  (e.WorkPool + e.ReadinessPool).String(),
			})
		}
		out.Body.TotalProtocolFees = protocol.String()
		out.Body.TotalOperatorFees = operator.String()
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-vault-status",
		Method:      http.MethodGet,
		Path:        "/vault/status",
		Summary:     "Treasury balance and in-flight payment counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			TreasuryBalance    string `json:"treasury_balance"`
			PendingWithdrawals int    `json:"pending_withdrawals"`
			FailedWithdrawals  int    `json:"failed_withdrawals"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				TreasuryBalance    string `json:"treasury_balance"`
				PendingWithdrawals int    `json:"pending_withdrawals"`
				FailedWithdrawals  int    `json:"failed_withdrawals"`
			} `json:"body"`
		}{}
		out.Body.TreasuryBalance = units.Amount(0).String()
		if a, err := cfg.Repo.GetAccount(ctx, "treasury"); err == nil {
			out.Body.TreasuryBalance = a.Balance.String()
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		pending, err := cfg.Repo.CountWithdrawalsByStatus(ctx, domain.WithdrawalPending)
		if err != nil {
			return nil, handleError(err)
		}
		failed, err := cfg.Repo.CountWithdrawalsByStatus(ctx, domain.WithdrawalFailed)
		if err != nil {
			return nil, handleError(err)
		}
		out.Body.PendingWithdrawals = pending
		out.Body.FailedWithdrawals = failed
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key",
		Description:   "The plaintext key is returned once and stored only as a hash.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			AccountID string `json:"account_id" minLength:"1"`
			Name      string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			ID        string `json:"id"`
			AccountID string `json:"account_id"`
			Name      string `json:"name,omitempty"`
			Key       string `json:"key"`
		} `json:"body"`
	}, error) {
		plaintext := "hl_" + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			AccountID: input.Body.AccountID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
		}
		if err := cfg.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ID        string `json:"id"`
				AccountID string `json:"account_id"`
				Name      string `json:"name,omitempty"`
				Key       string `json:"key"`
			} `json:"body"`
		}{}
		out.Body.ID = key.ID
		out.Body.AccountID = key.AccountID
		out.Body.Name = key.Name
		out.Body.Key = plaintext
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		AccountID string `query:"account_id" required:"false"`
	}) (*struct {
		Body struct {
			Keys []apiKeyEntry `json:"keys"`
		} `json:"body"`
	}, error) {
		keys, err := cfg.Repo.ListAPIKeys(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Keys []apiKeyEntry `json:"keys"`
			} `json:"body"`
		}{}
		for _, k := range keys {
			out.Body.Keys = append(out.Body.Keys, apiKeyEntry{ID: k.ID, AccountID: k.AccountID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke an API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := cfg.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
