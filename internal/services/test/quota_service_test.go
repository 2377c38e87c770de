package services_test

import (
	"context"
	"sync"
	"testing"

	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/repositories"
	"github.com/dumalabs/duma-services-storage/internal/services"

	"github.com/bionicotaku/lingo-utils/txmanager"
	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/google/uuid"
)

// quotaPodStub 用互斥锁模拟 Repository 条件更新的原子性。
type quotaPodStub struct {
	mu  sync.Mutex
	pod po.DumaPod
}

func (s *quotaPodStub) GetByID(_ context.Context, _ txmanager.Session, podID uuid.UUID) (*po.DumaPod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if podID != s.pod.PodID {
		return nil, repositories.ErrPodNotFound
	}
	cp := s.pod
	return &cp, nil
}

func (s *quotaPodStub) Reserve(_ context.Context, _ txmanager.Session, podID uuid.UUID, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if podID != s.pod.PodID {
		return repositories.ErrPodNotFound
	}
	if s.pod.ConsumedBytes+s.pod.ReservedBytes+size > s.pod.CapacityBytes {
		return repositories.ErrQuotaExceeded
	}
	s.pod.ReservedBytes += size
	return nil
}

func (s *quotaPodStub) CommitReservation(_ context.Context, _ txmanager.Session, podID uuid.UUID, declared, actual int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if podID != s.pod.PodID {
		return repositories.ErrPodNotFound
	}
	s.pod.ReservedBytes -= declared
	if s.pod.ReservedBytes < 0 {
		s.pod.ReservedBytes = 0
	}
	s.pod.ConsumedBytes += actual
	return nil
}

func (s *quotaPodStub) ReleaseReservation(_ context.Context, _ txmanager.Session, podID uuid.UUID, declared int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if podID != s.pod.PodID {
		return repositories.ErrPodNotFound
	}
	s.pod.ReservedBytes -= declared
	if s.pod.ReservedBytes < 0 {
		s.pod.ReservedBytes = 0
	}
	return nil
}

func (s *quotaPodStub) ReleaseConsumed(_ context.Context, _ txmanager.Session, podID uuid.UUID, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if podID != s.pod.PodID {
		return repositories.ErrPodNotFound
	}
	s.pod.ConsumedBytes -= size
	if s.pod.ConsumedBytes < 0 {
		s.pod.ConsumedBytes = 0
	}
	return nil
}

func newQuotaPodStub(capacity int64) *quotaPodStub {
	return &quotaPodStub{pod: po.DumaPod{
		PodID:           uuid.New(),
		CapacityBytes:   capacity,
		PrimaryProvider: po.ProviderAWSS3,
		IsActive:        true,
	}}
}

func newQuotaService(t *testing.T, pods *quotaPodStub) *services.QuotaService {
	t.Helper()
	svc, err := services.NewQuotaService(pods, testLogger())
	if err != nil {
		t.Fatalf("NewQuotaService: %v", err)
	}
	return svc
}

func TestQuotaService_AdmitCommitSettles(t *testing.T) {
	pods := newQuotaPodStub(1000)
	svc := newQuotaService(t, pods)
	ctx := context.Background()

	if err := svc.Admit(ctx, nil, pods.pod.PodID, 400); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	usage, err := svc.Usage(ctx, pods.pod.PodID)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage.ReservedBytes != 400 || usage.AvailableBytes != 600 {
		t.Fatalf("unexpected usage after admit: %+v", usage)
	}

	if err := svc.Commit(ctx, nil, pods.pod.PodID, 400, 350); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	usage, err = svc.Usage(ctx, pods.pod.PodID)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage.ConsumedBytes != 350 || usage.ReservedBytes != 0 {
		t.Fatalf("unexpected usage after commit: %+v", usage)
	}
	if usage.UsedPercent != 35 {
		t.Fatalf("expected 35%% used, got %v", usage.UsedPercent)
	}
}

func TestQuotaService_AdmitDeniedHasNoSideEffects(t *testing.T) {
	pods := newQuotaPodStub(100)
	svc := newQuotaService(t, pods)

	err := svc.Admit(context.Background(), nil, pods.pod.PodID, 150)
	if err == nil {
		t.Fatal("expected quota error")
	}
	if kerr := kerrors.FromError(err); kerr == nil || kerr.Reason != services.ReasonQuotaExceeded {
		t.Fatalf("expected %s, got %v", services.ReasonQuotaExceeded, err)
	}
	if pods.pod.ReservedBytes != 0 {
		t.Fatalf("denied admit must not reserve, got %d", pods.pod.ReservedBytes)
	}
}

func TestQuotaService_AdmitRejectsNonPositiveSize(t *testing.T) {
	pods := newQuotaPodStub(100)
	svc := newQuotaService(t, pods)

	err := svc.Admit(context.Background(), nil, pods.pod.PodID, 0)
	if kerr := kerrors.FromError(err); kerr == nil || kerr.Reason != services.ReasonInvalidArgument {
		t.Fatalf("expected %s, got %v", services.ReasonInvalidArgument, err)
	}
}

func TestQuotaService_ConcurrentAdmitNeverOversubscribes(t *testing.T) {
	const capacity = 10
	const workers = 32

	pods := newQuotaPodStub(capacity)
	svc := newQuotaService(t, pods)

	var wg sync.WaitGroup
	var admitted int64
	var mu sync.Mutex
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Admit(context.Background(), nil, pods.pod.PodID, 1); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != capacity {
		t.Fatalf("expected exactly %d admits, got %d", capacity, admitted)
	}
	if pods.pod.ReservedBytes+pods.pod.ConsumedBytes > capacity {
		t.Fatalf("capacity oversubscribed: reserved=%d consumed=%d", pods.pod.ReservedBytes, pods.pod.ConsumedBytes)
	}
}

func TestQuotaService_ReleaseRestoresHeadroom(t *testing.T) {
	pods := newQuotaPodStub(100)
	svc := newQuotaService(t, pods)
	ctx := context.Background()

	if err := svc.Admit(ctx, nil, pods.pod.PodID, 100); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := svc.Admit(ctx, nil, pods.pod.PodID, 1); err == nil {
		t.Fatal("expected pod to be full")
	}
	if err := svc.Release(ctx, nil, pods.pod.PodID, 100); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := svc.Admit(ctx, nil, pods.pod.PodID, 100); err != nil {
		t.Fatalf("Admit after release: %v", err)
	}
}

func TestQuotaService_UsageUnknownPod(t *testing.T) {
	pods := newQuotaPodStub(100)
	svc := newQuotaService(t, pods)

	_, err := svc.Usage(context.Background(), uuid.New())
	if kerr := kerrors.FromError(err); kerr == nil || kerr.Reason != services.ReasonPodNotFound {
		t.Fatalf("expected %s, got %v", services.ReasonPodNotFound, err)
	}
}
