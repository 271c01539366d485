package payout

import (
	"sort"

	"hiveledger/internal/domain"
	"hiveledger/internal/units"
)

// Params are the fee and pool fractions in basis points.
type Params struct {
	ProtocolFeeBps int64
	OperatorFeeBps int64
	WorkPoolBps    int64
}

// DefaultParams: 2% protocol fee, 5% operator fee, 70/30 work/readiness
// split of what remains.
var DefaultParams = Params{
	ProtocolFeeBps: 200,
	OperatorFeeBps: 500,
	WorkPoolBps:    7000,
}

// Breakdown is the epoch-level money split plus the per-worker
// settlements that exactly exhaust both pools.
type Breakdown struct {
	TotalRevenue  units.Amount
	ProtocolFee   units.Amount
	OperatorFee   units.Amount
	WorkPool      units.Amount
	ReadinessPool units.Amount
	Settlements   []domain.Settlement
}

// Calculate is a pure function of the completed job set and per-worker
// uptime. Fees come off gross revenue; the work and readiness pools split
// the net. Within each pool, shares are proportional with largest-remainder
// rounding so the shares sum to the pool exactly.
func Calculate(epochID int64, jobs []domain.JobRecord, uptime map[string]int64, p Params) Breakdown {
	var gross units.Amount
	jobCounts := make(map[string]int64)
	for _, j := range jobs {
		gross += j.Fee
		jobCounts[j.WorkerID]++
	}

	b := Breakdown{TotalRevenue: gross}
	b.ProtocolFee = gross.MulBps(p.ProtocolFeeBps)
	b.OperatorFee = gross.MulBps(p.OperatorFeeBps)
	distributable := gross - b.ProtocolFee - b.OperatorFee
	b.WorkPool = distributable.MulBps(p.WorkPoolBps)
	b.ReadinessPool = distributable - b.WorkPool

	workers := workerSet(jobCounts, uptime)
	workShares := apportion(b.WorkPool, workers, jobCounts)
	readyShares := apportion(b.ReadinessPool, workers, uptime)

	for _, w := range workers {
		ws, rs := workShares[w], readyShares[w]
		if ws == 0 && rs == 0 {
			continue
		}
		b.Settlements = append(b.Settlements, domain.Settlement{
			EpochID:        epochID,
			WorkerID:       w,
			JobsCompleted:  int(jobCounts[w]),
			UptimeSeconds:  uptime[w],
			WorkShare:      ws,
			ReadinessShare: rs,
			TotalPayout:    ws + rs,
		})
	}
	return b
}

// workerSet is the union of job-completing and uptime-reporting workers,
// sorted for deterministic output.
func workerSet(jobCounts, uptime map[string]int64) []string {
	seen := make(map[string]bool)
	var out []string
	for w := range jobCounts {
		if w != "" && !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	for w := range uptime {
		if w != "" && !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

// apportion splits pool proportionally to each worker's weight. Floor
// division first, then the leftover micro-units go one each to the
// largest remainders, ties broken by worker id. The shares always sum to
// pool when any weight is positive.
func apportion(pool units.Amount, workers []string, weights map[string]int64) map[string]units.Amount {
	shares := make(map[string]units.Amount, len(workers))
	var total int64
	for _, w := range workers {
		if weights[w] > 0 {
			total += weights[w]
		}
	}
	if total == 0 || pool <= 0 {
		return shares
	}
	type rem struct {
		worker string
		frac   int64
	}
	var rems []rem
	var assigned units.Amount
	for _, w := range workers {
		wt := weights[w]
		if wt <= 0 {
			continue
		}
		num := int64(pool) * wt
		share := units.Amount(num / total)
		shares[w] = share
		assigned += share
		rems = append(rems, rem{worker: w, frac: num % total})
	}
	leftover := pool - assigned
	sort.Slice(rems, func(i, j int) bool {
		if rems[i].frac != rems[j].frac {
			return rems[i].frac > rems[j].frac
		}
		return rems[i].worker < rems[j].worker
	})
	for i := int64(0); i < int64(leftover); i++ {
		shares[rems[i%int64(len(rems))].worker]++
	}
	return shares
}
