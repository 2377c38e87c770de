package sweeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/tasks/sweeper"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// expirerStub 每次调用吐出预置批次里的下一批，模拟 SKIP LOCKED 选批。
type expirerStub struct {
	batches [][]*po.UploadRecord
	calls   int
}

func (s *expirerStub) ExpireOverdue(_ context.Context, _ txmanager.Session, _ time.Time, _ int32) ([]*po.UploadRecord, error) {
	s.calls++
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	for _, rec := range batch {
		rec.Status = po.UploadStatusExpired
	}
	return batch, nil
}

type releaserStub struct {
	released map[uuid.UUID]int64
}

func (s *releaserStub) Release(_ context.Context, _ txmanager.Session, podID uuid.UUID, declared int64) error {
	if s.released == nil {
		s.released = map[uuid.UUID]int64{}
	}
	s.released[podID] += declared
	return nil
}

type prunerStub struct {
	deleted int64
	cutoffs []time.Time
}

func (s *prunerStub) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	return s.deleted, nil
}

func overdueRecord(podID uuid.UUID, declared int64) *po.UploadRecord {
	return &po.UploadRecord{
		UploadID:           uuid.New(),
		PodID:              podID,
		DeclaredSize:       declared,
		Status:             po.UploadStatusInitiated,
		UploadURLExpiresAt: time.Now().Add(-time.Hour),
	}
}

func newSweeper(t *testing.T, uploads *expirerStub, quota *releaserStub, batch int32) *sweeper.Runner {
	t.Helper()
	runner, err := sweeper.NewRunner(uploads, quota, &prunerStub{}, noopTxManager{}, sweeper.Config{Interval: time.Minute, BatchSize: batch}, testLogger())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return runner
}

func TestSweeper_ReleasesReservationsForExpiredUploads(t *testing.T) {
	podA, podB := uuid.New(), uuid.New()
	uploads := &expirerStub{batches: [][]*po.UploadRecord{{
		overdueRecord(podA, 100),
		overdueRecord(podA, 50),
		overdueRecord(podB, 200),
	}}}
	quota := &releaserStub{}
	runner := newSweeper(t, uploads, quota, 10)

	n, err := runner.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 expired uploads, got %d", n)
	}
	if quota.released[podA] != 150 || quota.released[podB] != 200 {
		t.Fatalf("unexpected releases: %v", quota.released)
	}
}

func TestSweeper_DrainsBacklogAcrossBatches(t *testing.T) {
	pod := uuid.New()
	full := make([]*po.UploadRecord, 2)
	for i := range full {
		full[i] = overdueRecord(pod, 10)
	}
	partial := []*po.UploadRecord{overdueRecord(pod, 10)}
	uploads := &expirerStub{batches: [][]*po.UploadRecord{full, partial}}
	quota := &releaserStub{}
	runner := newSweeper(t, uploads, quota, 2)

	n, err := runner.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 processed, got %d", n)
	}
	if uploads.calls != 2 {
		t.Fatalf("expected 2 batch queries, got %d", uploads.calls)
	}
	if quota.released[pod] != 30 {
		t.Fatalf("expected 30 bytes released, got %d", quota.released[pod])
	}
}

func TestSweeper_NothingToDo(t *testing.T) {
	uploads := &expirerStub{}
	quota := &releaserStub{}
	runner := newSweeper(t, uploads, quota, 10)

	n, err := runner.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 processed, got %d", n)
	}
	if len(quota.released) != 0 {
		t.Fatalf("expected no releases, got %v", quota.released)
	}
}

func TestSweeper_PrunesTerminalJobsPastRetention(t *testing.T) {
	pruner := &prunerStub{deleted: 4}
	runner, err := sweeper.NewRunner(&expirerStub{}, &releaserStub{}, pruner, noopTxManager{},
		sweeper.Config{Interval: time.Minute, BatchSize: 10, JobRetention: 48 * time.Hour}, testLogger())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	n, err := runner.PruneJobs(context.Background())
	if err != nil {
		t.Fatalf("PruneJobs: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 pruned, got %d", n)
	}
	if len(pruner.cutoffs) != 1 {
		t.Fatalf("expected one prune call, got %d", len(pruner.cutoffs))
	}
	wantBefore := time.Now().Add(-48 * time.Hour).Add(time.Minute)
	if !pruner.cutoffs[0].Before(wantBefore) {
		t.Fatalf("cutoff %s not pushed back by retention", pruner.cutoffs[0])
	}
}

func TestSweeper_RequiresDependencies(t *testing.T) {
	if _, err := sweeper.NewRunner(nil, &releaserStub{}, &prunerStub{}, noopTxManager{}, sweeper.Config{}, testLogger()); err == nil {
		t.Fatal("expected error for missing expirer")
	}
	if _, err := sweeper.NewRunner(&expirerStub{}, nil, &prunerStub{}, noopTxManager{}, sweeper.Config{}, testLogger()); err == nil {
		t.Fatal("expected error for missing releaser")
	}
	if _, err := sweeper.NewRunner(&expirerStub{}, &releaserStub{}, nil, noopTxManager{}, sweeper.Config{}, testLogger()); err == nil {
		t.Fatal("expected error for missing job pruner")
	}
	if _, err := sweeper.NewRunner(&expirerStub{}, &releaserStub{}, &prunerStub{}, nil, sweeper.Config{}, testLogger()); err == nil {
		t.Fatal("expected error for missing tx manager")
	}
}

type noopTxManager struct{}

func (noopTxManager) WithinTx(ctx context.Context, _ txmanager.TxOptions, fn func(context.Context, txmanager.Session) error) error {
	return fn(ctx, nil)
}

func (noopTxManager) WithinReadOnlyTx(ctx context.Context, _ txmanager.TxOptions, fn func(context.Context, txmanager.Session) error) error {
	return fn(ctx, nil)
}

func testLogger() log.Logger { return log.NewStdLogger(ioDiscard{}) }

type ioDiscard struct{}

func (ioDiscard) Write(p []byte) (int, error) { return len(p), nil }
