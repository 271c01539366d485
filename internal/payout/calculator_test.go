package payout

import (
	"testing"

	"hiveledger/internal/domain"
	"hiveledger/internal/units"
)

func completedJob(id, worker string, fee string) domain.JobRecord {
	done := "2026-01-01T01:00:00Z"
	return domain.JobRecord{
		ID:          id,
		ClientID:    "client-1",
		WorkerID:    worker,
		Fee:         units.MustParse(fee),
		SubmittedAt: "2026-01-01T00:00:00Z",
		CompletedAt: &done,
		Status:      domain.JobCompleted,
	}
}

func TestCalculateFiveDimeJobs(t *testing.T) {
	jobs := []domain.JobRecord{
		completedJob("j1", "alpha", "0.10"),
		completedJob("j2", "alpha", "0.10"),
		completedJob("j3", "alpha", "0.10"),
		completedJob("j4", "beta", "0.10"),
		completedJob("j5", "beta", "0.10"),
	}
	uptime := map[string]int64{"alpha": 3600, "beta": 3600}

	b := Calculate(7, jobs, uptime, DefaultParams)

	if got, want := b.TotalRevenue, units.MustParse("0.50"); got != want {
		t.Fatalf("revenue = %s, want %s", got, want)
	}
	if got, want := b.ProtocolFee, units.MustParse("0.01"); got != want {
		t.Fatalf("protocol fee = %s, want %s", got, want)
	}
	if got, want := b.OperatorFee, units.MustParse("0.025"); got != want {
		t.Fatalf("operator fee = %s, want %s", got, want)
	}
	if got, want := b.WorkPool, units.MustParse("0.3255"); got != want {
		t.Fatalf("work pool = %s, want %s", got, want)
	}
	if got, want := b.ReadinessPool, units.MustParse("0.1395"); got != want {
		t.Fatalf("readiness pool = %s, want %s", got, want)
	}

	if len(b.Settlements) != 2 {
		t.Fatalf("expected 2 settlements, got %d", len(b.Settlements))
	}
	alpha, beta := b.Settlements[0], b.Settlements[1]
	if alpha.WorkerID != "alpha" || beta.WorkerID != "beta" {
		t.Fatalf("settlements not sorted by worker id: %s, %s", alpha.WorkerID, beta.WorkerID)
	}
	if got, want := alpha.WorkShare, units.MustParse("0.1953"); got != want {
		t.Fatalf("alpha work share = %s, want %s", got, want)
	}
	if got, want := beta.WorkShare, units.MustParse("0.1302"); got != want {
		t.Fatalf("beta work share = %s, want %s", got, want)
	}
	if got, want := alpha.ReadinessShare, units.MustParse("0.06975"); got != want {
		t.Fatalf("alpha readiness share = %s, want %s", got, want)
	}
	if alpha.ReadinessShare != beta.ReadinessShare {
		t.Fatalf("equal uptime should yield equal readiness shares")
	}
	if alpha.TotalPayout != alpha.WorkShare+alpha.ReadinessShare {
		t.Fatalf("total payout must be the sum of shares")
	}
}

func TestSharesExhaustPoolExactly(t *testing.T) {
	// 3 equal workers over a work pool of 215 micro-dollars: floor gives
	// 71 each, two workers pick up the leftover micro-units
	jobs := []domain.JobRecord{
		completedJob("j1", "a", "0.000110"),
		completedJob("j2", "b", "0.000110"),
		completedJob("j3", "c", "0.000110"),
	}
	b := Calculate(1, jobs, map[string]int64{"a": 10, "b": 10, "c": 10}, DefaultParams)

	var work, ready units.Amount
	for _, s := range b.Settlements {
		work += s.WorkShare
		ready += s.ReadinessShare
	}
	if work != b.WorkPool {
		t.Fatalf("work shares sum %s != pool %s", work, b.WorkPool)
	}
	if ready != b.ReadinessPool {
		t.Fatalf("readiness shares sum %s != pool %s", ready, b.ReadinessPool)
	}
}

func TestLargestRemainderDeterministic(t *testing.T) {
	jobs := []domain.JobRecord{
		completedJob("j1", "a", "0.000110"),
		completedJob("j2", "b", "0.000110"),
		completedJob("j3", "c", "0.000110"),
	}
	first := Calculate(1, jobs, nil, DefaultParams)
	for i := 0; i < 5; i++ {
		again := Calculate(1, jobs, nil, DefaultParams)
		for k := range first.Settlements {
			if first.Settlements[k] != again.Settlements[k] {
				t.Fatalf("run %d: settlement %d differs", i, k)
			}
		}
	}
}

func TestEmptyEpoch(t *testing.T) {
	b := Calculate(1, nil, nil, DefaultParams)
	if b.TotalRevenue != 0 || b.WorkPool != 0 || b.ReadinessPool != 0 {
		t.Fatalf("empty epoch should carry zero pools: %+v", b)
	}
	if len(b.Settlements) != 0 {
		t.Fatalf("empty epoch should have no settlements")
	}
}

func TestUptimeOnlyWorkerGetsReadinessShare(t *testing.T) {
	jobs := []domain.JobRecord{completedJob("j1", "busy", "1.00")}
	b := Calculate(1, jobs, map[string]int64{"busy": 100, "idle": 300}, DefaultParams)

	byWorker := make(map[string]domain.Settlement)
	for _, s := range b.Settlements {
		byWorker[s.WorkerID] = s
	}
	idle, ok := byWorker["idle"]
	if !ok {
		t.Fatal("idle worker should receive a settlement")
	}
	if idle.WorkShare != 0 {
		t.Fatalf("idle worker work share = %s, want 0", idle.WorkShare)
	}
	if idle.ReadinessShare != b.ReadinessPool.MulBps(7500) {
		t.Fatalf("idle worker readiness share = %s, want 75%% of pool", idle.ReadinessShare)
	}
	if byWorker["busy"].WorkShare != b.WorkPool {
		t.Fatalf("sole job worker should take the whole work pool")
	}
}
