package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"hiveledger/internal/domain"
	"hiveledger/internal/repo"
)

// balanceView is the public account shape: raw micro-dollar integers
// plus display strings.
type balanceView struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Reserved  string `json:"reserved"`
	Pending   string `json:"pending"`
	TotalIn   string `json:"total_in"`
	TotalOut  string `json:"total_out"`
	Frozen    bool   `json:"frozen,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

func toBalanceView(a domain.Account) balanceView {
	return balanceView{
		ID:        a.ID,
		Type:      a.Type,
		Balance:   a.Balance.String(),
		Available: a.Available().String(),
		Reserved:  a.Reserved.String(),
		Pending:   a.Pending.String(),
		TotalIn:   a.TotalIn.String(),
		TotalOut:  a.TotalOut.String(),
		Frozen:    a.Frozen,
		UpdatedAt: a.UpdatedAt,
	}
}

type transactionView struct {
	Sequence     int64  `json:"sequence"`
	Kind         string `json:"kind"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	ReferenceID  string `json:"reference_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func registerAccounts(api huma.API, cfg Config) {
	type accountPath struct {
		AccountID string `path:"account_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List accounts",
	}, func(ctx context.Context, input *struct {
		Type string `query:"type" enum:"client,worker,treasury," required:"false"`
	}) (*struct {
		Body struct {
			Accounts []balanceView `json:"accounts"`
		} `json:"body"`
	}, error) {
		accounts, err := cfg.Repo.ListAccounts(ctx, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Accounts []balanceView `json:"accounts"`
			} `json:"body"`
		}{}
		out.Body.Accounts = make([]balanceView, len(accounts))
		for i, a := range accounts {
			out.Body.Accounts[i] = toBalanceView(a)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}",
		Summary:     "Account balance",
	}, func(ctx context.Context, input *accountPath) (*struct {
		Body balanceView `json:"body"`
	}, error) {
		a, err := cfg.Repo.GetAccount(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body balanceView `json:"body"`
		}{Body: toBalanceView(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-account-transactions",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/transactions",
		Summary:     "Transaction history, newest first",
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
		Limit     int    `query:"limit" required:"false"`
	}) (*struct {
		Body struct {
			Transactions []transactionView `json:"transactions"`
		} `json:"body"`
	}, error) {
		if _, err := cfg.Repo.GetAccount(ctx, input.AccountID); err != nil {
			return nil, handleError(err)
		}
		txs, err := cfg.Repo.ListTransactions(ctx, input.AccountID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Transactions []transactionView `json:"transactions"`
			} `json:"body"`
		}{}
		out.Body.Transactions = make([]transactionView, len(txs))
		for i, tr := range txs {
			out.Body.Transactions[i] = transactionView{
				Sequence:     tr.Sequence,
				Kind:         tr.Kind,
				Amount:       tr.Amount.String(),
				BalanceAfter: tr.BalanceAfter.String(),
				ReferenceID:  tr.ReferenceID,
				CreatedAt:    tr.CreatedAt,
			}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-account",
		Method:      http.MethodPost,
		Path:        "/accounts/{account_id}/verify",
		Summary:     "Replay the transaction log against the stored balance",
	}, func(ctx context.Context, input *accountPath) (*struct {
		Body struct {
			AccountID  string `json:"account_id"`
			Consistent bool   `json:"consistent"`
			Detail     string `json:"detail,omitempty"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				AccountID string `json:"account_id"`
				Consistent bool  `json:"consistent"`
				Detail    string `json:"detail,omitempty"`
			} `json:"body"`
		}{}
		out.Body.AccountID = input.AccountID
		if err := cfg.Ledger.VerifyAccount(ctx, input.AccountID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			out.Body.Consistent = false
			out.Body.Detail = err.Error()
			return out, nil
		}
		out.Body.Consistent = true
		return out, nil
	})
}
