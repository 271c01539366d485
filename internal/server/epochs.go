package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"hiveledger/internal/domain"
	"hiveledger/internal/merkle"
)

type epochView struct {
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

func toEpochView(e domain.Epoch) epochView {
	return epochView{
		ID:            e.ID,
		Status:        e.Status,
		StartTime:     e.StartTime,
		EndTime:       e.EndTime,
		JobCount:      e.JobCount,
		MerkleRoot:    e.MerkleRoot,
		TotalRevenue:  e.TotalRevenue.String(),
		ProtocolFee:   e.ProtocolFee.String(),
		OperatorFee:   e.OperatorFee.String(),
		WorkPool:      e.WorkPool.String(),
		ReadinessPool: e.ReadinessPool.String(),
		Signature:     e.Signature,
		ArchiveRef:    e.ArchiveRef,
		SealedAt:      e.SealedAt,
	}
}

type settlementView struct {
	WorkerID       string  `json:"worker_id"`
	JobsCompleted  int     `json:"jobs_completed"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	WorkShare      string  `json:"work_share"`
	ReadinessShare string  `json:"readiness_share"`
	TotalPayout    string  `json:"total_payout"`
	AppliedAt      *string `json:"applied_at,omitempty"`
}

func registerEpochs(api huma.API, cfg Config) {
	type epochPath struct {
		EpochID int64 `path:"epoch_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-epochs",
		Method:      http.MethodGet,
		Path:        "/epochs",
		Summary:     "List epochs, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" required:"false"`
	}) (*struct {
		Body struct {
			Epochs []epochView `json:"epochs"`
		} `json:"body"`
	}, error) {
		epochs, err := cfg.Epochs.List(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Epochs []epochView `json:"epochs"`
			} `json:"body"`
		}{}
		out.Body.Epochs = make([]epochView, len(epochs))
		for i, e := range epochs {
			out.Body.Epochs[i] = toEpochView(e)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-current-epoch",
		Method:      http.MethodGet,
		Path:        "/epochs/current",
		Summary:     "The active epoch",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body epochView `json:"body"`
	}, error) {
		e, err := cfg.Epochs.Current(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body epochView `json:"body"`
		}{Body: toEpochView(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-epoch",
		Method:      http.MethodGet,
		Path:        "/epochs/{epoch_id}",
		Summary:     "Epoch by id",
	}, func(ctx context.Context, input *epochPath) (*struct {
		Body epochView `json:"body"`
	}, error) {
		e, err := cfg.Epochs.Get(ctx, input.EpochID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body epochView `json:"body"`
		}{Body: toEpochView(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seal-epoch",
		Method:      http.MethodPost,
		Path:        "/epochs/{epoch_id}/seal",
		Summary:     "Seal an epoch now",
		Description: "Freezes the epoch's job set, applies settlements, publishes the signed bundle and finalizes. Safe to call repeatedly.",
	}, func(ctx context.Context, input *epochPath) (*struct {
		Body epochView `json:"body"`
	}, error) {
		sealed, err := cfg.Sealer.Seal(ctx, input.EpochID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body epochView `json:"body"`
		}{Body: toEpochView(sealed)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-epoch-settlements",
		Method:      http.MethodGet,
		Path:        "/epochs/{epoch_id}/settlements",
		Summary:     "Per-worker payout breakdown",
	}, func(ctx context.Context, input *epochPath) (*struct {
		Body struct {
			EpochID     int64            `json:"epoch_id"`
			Settlements []settlementView `json:"settlements"`
		} `json:"body"`
	}, error) {
		if _, err := cfg.Epochs.Get(ctx, input.EpochID); err != nil {
			return nil, handleError(err)
		}
		settlements, err := cfg.Repo.ListSettlements(ctx, input.EpochID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				EpochID     int64            `json:"epoch_id"`
				Settlements []settlementView `json:"settlements"`
			} `json:"body"`
		}{}
		out.Body.EpochID = input.EpochID
		out.Body.Settlements = make([]settlementView, len(settlements))
		for i, s := range settlements {
			out.Body.Settlements[i] = settlementView{
				WorkerID:       s.WorkerID,
				JobsCompleted:  s.JobsCompleted,
				UptimeSeconds:  s.UptimeSeconds,
				WorkShare:      s.WorkShare.String(),
				ReadinessShare: s.ReadinessShare.String(),
				TotalPayout:    s.TotalPayout.String(),
				AppliedAt:      s.AppliedAt,
			}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-epoch-archive",
		Method:      http.MethodGet,
		Path:        "/epochs/{epoch_id}/archive",
		Summary:     "Archive reference and bundle layout for a finalized epoch",
	}, func(ctx context.Context, input *epochPath) (*struct {
		Body struct {
			EpochID    int64    `json:"epoch_id"`
			ArchiveRef string   `json:"archive_ref"`
			Signature  string   `json:"signature"`
			Sections   []string `json:"sections"`
		} `json:"body"`
	}, error) {
		e, err := cfg.Epochs.Get(ctx, input.EpochID)
		if err != nil {
			return nil, handleError(err)
		}
		if e.Status != domain.EpochFinalized {
			return nil, newAPIError(http.StatusConflict, "epoch_state_conflict",
				fmt.Sprintf("epoch %d is %s, archive exists only for finalized epochs", e.ID, e.Status), nil)
		}
		out := &struct {
			Body struct {
				EpochID    int64    `json:"epoch_id"`
				ArchiveRef string   `json:"archive_ref"`
				Signature  string   `json:"signature"`
				Sections   []string `json:"sections"`
			} `json:"body"`
		}{}
		out.Body.EpochID = e.ID
		out.Body.ArchiveRef = e.ArchiveRef
		out.Body.Signature = e.Signature
		out.Body.Sections = []string{"summary", "jobs", "workers", "signature"}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-receipt",
		Method:      http.MethodGet,
		Path:        "/epochs/{epoch_id}/jobs/{job_id}/receipt",
		Summary:     "Merkle inclusion proof for a job in a finalized epoch",
	}, func(ctx context.Context, input *struct {
		EpochID int64  `path:"epoch_id"`
		JobID   string `path:"job_id"`
	}) (*struct {
		Body struct {
			EpochID    int64              `json:"epoch_id"`
			JobID      string             `json:"job_id"`
			LeafHash   string             `json:"leaf_hash"`
			MerkleRoot string             `json:"merkle_root"`
			Proof      []merkle.ProofStep `json:"proof"`
		} `json:"body"`
	}, error) {
		e, err := cfg.Epochs.Get(ctx, input.EpochID)
		if err != nil {
			return nil, handleError(err)
		}
		if e.Status != domain.EpochFinalized {
			return nil, newAPIError(http.StatusConflict, "epoch_state_conflict",
				fmt.Sprintf("epoch %d is %s, receipts exist only for finalized epochs", e.ID, e.Status), nil)
		}
		jobs, err := cfg.Repo.CompletedJobs(ctx, input.EpochID)
		if err != nil {
			return nil, handleError(err)
		}
		idx := -1
		for i, j := range jobs {
			if j.ID == input.JobID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found",
				fmt.Sprintf("job %s not in epoch %d's completed set", input.JobID, input.EpochID), nil)
		}
		tree := merkle.Build(jobs)
		out := &struct {
			Body struct {
				EpochID    int64              `json:"epoch_id"`
				JobID      string             `json:"job_id"`
				LeafHash   string             `json:"leaf_hash"`
				MerkleRoot string             `json:"merkle_root"`
				Proof      []merkle.ProofStep `json:"proof"`
			} `json:"body"`
		}{}
		out.Body.EpochID = input.EpochID
		out.Body.JobID = input.JobID
		out.Body.LeafHash = merkle.LeafHash(jobs[idx])
		out.Body.MerkleRoot = e.MerkleRoot
		out.Body.Proof = tree.Proof(idx)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-job-receipt",
		Method:      http.MethodPost,
		Path:        "/epochs/{epoch_id}/verify",
		Summary:     "Verify a Merkle inclusion proof against the epoch's stored root",
	}, func(ctx context.Context, input *struct {
		EpochID int64 `path:"epoch_id"`
		Body    struct {
			LeafHash string             `json:"leaf_hash" minLength:"1"`
			Proof    []merkle.ProofStep `json:"proof"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			EpochID int64 `json:"epoch_id"`
			Valid   bool  `json:"valid"`
		} `json:"body"`
	}, error) {
		e, err := cfg.Epochs.Get(ctx, input.EpochID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				EpochID int64 `json:"epoch_id"`
				Valid   bool  `json:"valid"`
			} `json:"body"`
		}{}
		out.Body.EpochID = input.EpochID
		out.Body.Valid = e.MerkleRoot != "" && merkle.Verify(input.Body.LeafHash, input.Body.Proof, e.MerkleRoot)
		return out, nil
	})
}
