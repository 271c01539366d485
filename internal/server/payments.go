package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"hiveledger/internal/domain"
	"hiveledger/internal/units"
)

type withdrawalView struct {
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

func toWithdrawalView(w domain.Withdrawal) withdrawalView {
	return withdrawalView{
		ID:            w.ID,
		AccountID:     w.AccountID,
		Amount:        w.Amount.String(),
		Destination:   w.Destination,
		Status:        w.Status,
		RailRef:       w.RailRef,
		FailureReason: w.FailureReason,
		CreatedAt:     w.CreatedAt,
		ResolvedAt:    w.ResolvedAt,
	}
}

func registerPayments(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "confirm-deposit",
		Method:        http.MethodPost,
		Path:          "/deposits",
		Summary:       "Credit a confirmed external deposit",
		Description:   "Idempotent on external_ref: redelivered confirmations return the original credit.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			AccountID   string `json:"account_id" minLength:"1"`
			AccountType string `json:"account_type,omitempty" enum:"client,worker,treasury,"`
			Amount      string `json:"amount" example:"5.00"`
			ExternalRef string `json:"external_ref" minLength:"1"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			ExternalRef string `json:"external_ref"`
			AccountID   string `json:"account_id"`
			Amount      string `json:"amount"`
			TxSequence  int64  `json:"tx_sequence"`
		} `json:"body"`
	}, error) {
		amount, err := units.Parse(input.Body.Amount)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		accountType := input.Body.AccountType
		if accountType == "" {
			accountType = domain.AccountClient
		}
		d, err := cfg.Ledger.Deposit(ctx, input.Body.AccountID, accountType, amount, input.Body.ExternalRef)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ExternalRef string `json:"external_ref"`
				AccountID   string `json:"account_id"`
				Amount      string `json:"amount"`
				TxSequence  int64  `json:"tx_sequence"`
			} `json:"body"`
		}{}
		out.Body.ExternalRef = d.ExternalRef
		out.Body.AccountID = d.AccountID
		out.Body.Amount = d.Amount.String()
		out.Body.TxSequence = d.TxSequence
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-withdrawal",
		Method:        http.MethodPost,
		Path:          "/withdrawals",
		Summary:       "Request a payout to an external destination",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			AccountID   string `json:"account_id" minLength:"1"`
			Destination string `json:"destination" minLength:"1"`
			Amount      string `json:"amount" example:"1.00"`
		} `json:"body"`
	}) (*struct {
		Body withdrawalView `json:"body"`
	}, error) {
		amount, err := units.Parse(input.Body.Amount)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		w, err := cfg.Executor.RequestPayout(ctx, input.Body.AccountID, input.Body.Destination, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body withdrawalView `json:"body"`
		}{Body: toWithdrawalView(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-withdrawals",
		Method:      http.MethodGet,
		Path:        "/withdrawals",
		Summary:     "List withdrawals",
	}, func(ctx context.Context, input *struct {
		AccountID string `query:"account_id" required:"false"`
		Status    string `query:"status" enum:"pending,completed,failed," required:"false"`
		Limit     int    `query:"limit" required:"false"`
	}) (*struct {
		Body struct {
			Withdrawals []withdrawalView `json:"withdrawals"`
		} `json:"body"`
	}, error) {
		ws, err := cfg.Repo.ListWithdrawals(ctx, input.AccountID, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Withdrawals []withdrawalView `json:"withdrawals"`
			} `json:"body"`
		}{}
		out.Body.Withdrawals = make([]withdrawalView, len(ws))
		for i, w := range ws {
			out.Body.Withdrawals[i] = toWithdrawalView(w)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-withdrawal",
		Method:      http.MethodGet,
		Path:        "/withdrawals/{withdrawal_id}",
		Summary:     "Withdrawal by id",
	}, func(ctx context.Context, input *struct {
		WithdrawalID string `path:"withdrawal_id"`
	}) (*struct {
		Body withdrawalView `json:"body"`
	}, error) {
		w, err := cfg.Repo.GetWithdrawal(ctx, input.WithdrawalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body withdrawalView `json:"body"`
		}{Body: toWithdrawalView(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-withdrawal",
		Method:      http.MethodPost,
		Path:        "/withdrawals/{withdrawal_id}/confirm",
		Summary:     "Rail callback: the payout settled externally",
	}, func(ctx context.Context, input *struct {
		WithdrawalID string `path:"withdrawal_id"`
		Body         struct {
			RailRef string `json:"rail_ref,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body withdrawalView `json:"body"`
	}, error) {
		if err := cfg.Executor.ConfirmPayout(ctx, input.WithdrawalID, input.Body.RailRef); err != nil {
			return nil, handleError(err)
		}
		w, err := cfg.Repo.GetWithdrawal(ctx, input.WithdrawalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body withdrawalView `json:"body"`
		}{Body: toWithdrawalView(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-withdrawal",
		Method:      http.MethodPost,
		Path:        "/withdrawals/{withdrawal_id}/fail",
		Summary:     "Rail callback: the payout failed externally",
	}, func(ctx context.Context, input *struct {
		WithdrawalID string `path:"withdrawal_id"`
		Body         struct {
			Reason string `json:"reason" minLength:"1"`
		} `json:"body"`
	}) (*struct {
		Body withdrawalView `json:"body"`
	}, error) {
		if err := cfg.Executor.FailPayout(ctx, input.WithdrawalID, input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		w, err := cfg.Repo.GetWithdrawal(ctx, input.WithdrawalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body withdrawalView `json:"body"`
		}{Body: toWithdrawalView(w)}, nil
	})
}
