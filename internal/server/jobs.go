package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"hiveledger/internal/domain"
	"hiveledger/internal/units"
)

type jobView struct {
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

func toJobView(j domain.JobRecord) jobView {
	return jobView{
		ID:          j.ID,
		EpochID:     j.EpochID,
		ClientID:    j.ClientID,
		WorkerID:    j.WorkerID,
		Fee:         j.Fee.String(),
		PoEHash:     j.PoEHash,
		SubmittedAt: j.SubmittedAt,
		CompletedAt: j.CompletedAt,
		Status:      j.Status,
	}
}

// registerJobs exposes the orchestrator-facing lifecycle ingest. Every
// operation is idempotent on the job id so the orchestrator can deliver
// events at-least-once.
func registerJobs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "job-submitted",
		Method:        http.MethodPost,
		Path:          "/jobs/submitted",
		Summary:       "Admit a job: reserve its fee in the active epoch",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			JobID    string `json:"job_id" minLength:"1"`
			ClientID string `json:"client_id" minLength:"1"`
			Fee      string `json:"fee" example:"0.10"`
		} `json:"body"`
	}) (*struct {
		Body jobView `json:"body"`
	}, error) {
		fee, err := units.Parse(input.Body.Fee)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if fee <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "fee must be positive", nil)
		}
		j, err := cfg.Ingestor.JobSubmitted(ctx, input.Body.JobID, input.Body.ClientID, fee)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body jobView `json:"body"`
		}{Body: toJobView(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-completed",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/completed",
		Summary:     "Collect the fee and accrue the worker's pending credit",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  struct {
			WorkerID string `json:"worker_id" minLength:"1"`
			PoEHash  string `json:"proof_of_execution_hash" minLength:"1"`
		} `json:"body"`
	}) (*struct {
		Body jobView `json:"body"`
	}, error) {
		j, err := cfg.Ingestor.JobCompleted(ctx, input.JobID, input.Body.WorkerID, input.Body.PoEHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body jobView `json:"body"`
		}{Body: toJobView(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-failed",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/failed",
		Summary:     "Release the fee hold for a failed job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body jobView `json:"body"`
	}, error) {
		j, err := cfg.Ingestor.JobFailed(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body jobView `json:"body"`
		}{Body: toJobView(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Job by id",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body jobView `json:"body"`
	}, error) {
		j, err := cfg.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body jobView `json:"body"`
		}{Body: toJobView(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-uptime",
		Method:      http.MethodPost,
		Path:        "/uptime",
		Summary:     "Accrue worker readiness seconds in the active epoch",
	}, func(ctx context.Context, input *struct {
		Body struct {
			WorkerID string `json:"worker_id" minLength:"1"`
			Seconds  int64  `json:"seconds" minimum:"1"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			WorkerID string `json:"worker_id"`
			EpochID  int64  `json:"epoch_id"`
		} `json:"body"`
	}, error) {
		epochID, err := cfg.Ingestor.RecordUptime(ctx, input.Body.WorkerID, input.Body.Seconds)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				WorkerID string `json:"worker_id"`
				EpochID  int64  `json:"epoch_id"`
			} `json:"body"`
		}{}
		out.Body.WorkerID = input.Body.WorkerID
		out.Body.EpochID = epochID
		return out, nil
	})
}
