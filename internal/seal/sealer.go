package seal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"hiveledger/internal/archive"
	"hiveledger/internal/domain"
	"hiveledger/internal/epoch"
	"hiveledger/internal/ledger"
	"hiveledger/internal/merkle"
	"hiveledger/internal/payout"
	"hiveledger/internal/repo"
)

// Sealer drives an epoch from active to finalized. Every step is
// idempotent, so a crash at any point is recovered by calling Seal again
// on the same epoch: completed steps no-op and the pipeline resumes where
// it stopped.
type Sealer struct {
	Epochs    *epoch.Manager
	Ledger    *ledger.Store
	Repo      repo.Repo
	Publisher archive.Publisher
	Signer    archive.Signer
	Params    payout.Params

	MaxAttempts int
	Backoff     time.Duration
	Now         func() time.Time
	Log         zerolog.Logger

	group singleflight.Group
}

func (s *Sealer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Seal runs the sealing pipeline for one epoch. Concurrent calls for the
// same epoch coalesce into a single run.
func (s *Sealer) Seal(ctx context.Context, epochID int64) (domain.Epoch, error) {
	v, err, _ := s.group.Do(fmt.Sprintf("epoch-%d", epochID), func() (any, error) {
		return s.seal(ctx, epochID)
	})
	if err != nil {
		return domain.Epoch{}, err
	}
	return v.(domain.Epoch), nil
}

func (s *Sealer) seal(ctx context.Context, epochID int64) (domain.Epoch, error) {
	log := s.Log.With().Int64("epoch", epochID).Logger()

	current, err := s.Epochs.Get(ctx, epochID)
	if err != nil {
		return domain.Epoch{}, err
	}
	if current.Status == domain.EpochFinalized {
		return current, nil
	}

	if err := s.Epochs.BeginSealing(ctx, epochID); err != nil {
		return domain.Epoch{}, err
	}
	log.Info().Msg("epoch sealing")

	// The job set is frozen once the epoch leaves active: everything
	// below is a pure function of it, safe to recompute on retry.
	jobs, err := s.Repo.CompletedJobs(ctx, epochID)
	if err != nil {
		return domain.Epoch{}, err
	}
	uptime, err := s.Repo.UptimeByWorker(ctx, epochID)
	if err != nil {
		return domain.Epoch{}, err
	}

	tree := merkle.Build(jobs)
	breakdown := payout.Calculate(epochID, jobs, uptime, s.Params)

	if err := s.Ledger.CreditFinal(ctx, epochID, breakdown.Settlements); err != nil {
		return domain.Epoch{}, err
	}
	log.Info().Int("workers", len(breakdown.Settlements)).Str("distributed", (breakdown.WorkPool + breakdown.ReadinessPool).String()).Msg("settlements applied")

	sealedAt := s.now().UTC().Format(time.RFC3339Nano)
	distributed := breakdown.WorkPool + breakdown.ReadinessPool
	message := archive.SealMessage(epochID, tree.Root(), len(jobs), distributed, sealedAt)

	var signature string
	err = s.withRetry(ctx, "sign", func() error {
		var err error
		signature, err = s.Signer.Sign(ctx, message)
		return err
	})
	if err != nil {
		return domain.Epoch{}, err
	}

	bundle, err := s.buildBundle(epochID, tree, jobs, breakdown, signature, sealedAt)
	if err != nil {
		return domain.Epoch{}, err
	}
	var archiveRef string
	err = s.withRetry(ctx, "publish", func() error {
		var err error
		archiveRef, err = s.Publisher.Add(ctx, fmt.Sprintf("epoch-%d.json", epochID), bundle)
		return err
	})
	if err != nil {
		return domain.Epoch{}, err
	}
	log.Info().Str("archive_ref", archiveRef).Msg("bundle published")

	sealed := domain.Epoch{
		ID:            epochID,
		JobCount:      len(jobs),
		MerkleRoot:    tree.Root(),
		TotalRevenue:  breakdown.TotalRevenue,
		ProtocolFee:   breakdown.ProtocolFee,
		OperatorFee:   breakdown.OperatorFee,
		WorkPool:      breakdown.WorkPool,
		ReadinessPool: breakdown.ReadinessPool,
		Signature:     signature,
		ArchiveRef:    archiveRef,
		SealedAt:      &sealedAt,
	}
	if err := s.Epochs.Finalize(ctx, sealed); err != nil {
		return domain.Epoch{}, err
	}
	sealed.Status = domain.EpochFinalized
	log.Info().Str("merkle_root", sealed.MerkleRoot).Msg("epoch finalized")
	return sealed, nil
}

// withRetry retries transient external calls with linear backoff. A
// failed run leaves the epoch in sealing; the next Seal call picks it up.
func (s *Sealer) withRetry(ctx context.Context, step string, fn func() error) error {
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 1; i <= attempts; i++ {
		if last = fn(); last == nil {
			return nil
		}
		s.Log.Warn().Str("step", step).Int("attempt", i).Err(last).Msg("seal step failed")
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Backoff * time.Duration(i)):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", step, attempts, last)
}

// bundleDoc is the published epoch bundle: summary, the full job set
// with leaf hashes, the per-worker settlements, and the signature.
type bundleDoc struct {
	Summary struct {
		EpochID       int64  `json:"epoch_id"`
		MerkleRoot    string `json:"merkle_root"`
		JobCount      int    `json:"job_count"`
		TotalRevenue  string `json:"total_revenue"`
		ProtocolFee   string `json:"protocol_fee"`
		OperatorFee   string `json:"operator_fee"`
		WorkPool      string `json:"work_pool"`
		ReadinessPool string `json:"readiness_pool"`
		SealedAt      string `json:"sealed_at"`
	} `json:"summary"`
	Jobs      []bundleJob         `json:"jobs"`
	Workers   []domain.Settlement `json:"workers"`
	Signature string              `json:"signature"`
}

type bundleJob struct {
	domain.JobRecord
	LeafHash string `json:"leaf_hash"`
}

func (s *Sealer) buildBundle(epochID int64, tree *merkle.Tree, jobs []domain.JobRecord, b payout.Breakdown, signature, sealedAt string) ([]byte, error) {
	var doc bundleDoc
	doc.Summary.EpochID = epochID
	doc.Summary.MerkleRoot = tree.Root()
	doc.Summary.JobCount = len(jobs)
	doc.Summary.TotalRevenue = b.TotalRevenue.String()
	doc.Summary.ProtocolFee = b.ProtocolFee.String()
	doc.Summary.OperatorFee = b.OperatorFee.String()
	doc.Summary.WorkPool = b.WorkPool.String()
	doc.Summary.ReadinessPool = b.ReadinessPool.String()
	doc.Summary.SealedAt = sealedAt
	doc.Jobs = make([]bundleJob, len(jobs))
	for i, j := range jobs {
		doc.Jobs[i] = bundleJob{JobRecord: j, LeafHash: merkle.LeafHash(j)}
	}
	doc.Workers = b.Settlements
	doc.Signature = signature
	return json.Marshal(doc)
}

// Watch seals the active epoch whenever it outlives its duration.
// It returns when ctx is cancelled.
func (s *Sealer) Watch(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e, due, err := s.Epochs.Due(ctx)
			if err != nil {
				s.Log.Error().Err(err).Msg("epoch due check failed")
				continue
			}
			if !due {
				continue
			}
			if _, err := s.Seal(ctx, e.ID); err != nil {
				s.Log.Error().Int64("epoch", e.ID).Err(err).Msg("seal failed; will retry")
			}
		}
	}
}
