package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dumalabs/duma-services-storage/internal/infrastructure/objectstore"
	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/repositories"
	"github.com/dumalabs/duma-services-storage/internal/services"

	"github.com/bionicotaku/lingo-utils/txmanager"
	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/google/uuid"
)

type credPodStub struct {
	pod      *po.DumaPod
	getCalls int
}

func (s *credPodStub) GetByID(_ context.Context, _ txmanager.Session, podID uuid.UUID) (*po.DumaPod, error) {
	s.getCalls++
	if s.pod == nil || s.pod.PodID != podID {
		return nil, repositories.ErrPodNotFound
	}
	cp := *s.pod
	return &cp, nil
}

func (s *credPodStub) SetUseCustom(_ context.Context, _ txmanager.Session, podID uuid.UUID, provider po.StorageProvider, use bool) error {
	if s.pod == nil || s.pod.PodID != podID {
		return repositories.ErrPodNotFound
	}
	switch provider {
	case po.ProviderAWSS3:
		s.pod.UseCustomS3 = use
	case po.ProviderOracle:
		s.pod.UseCustomOracle = use
	case po.ProviderWasabi:
		s.pod.UseCustomWasabi = use
	}
	return nil
}

type credRepoStub struct {
	rows    map[po.StorageProvider]*po.StorageCredential
	upserts int
}

func (s *credRepoStub) GetByPodProvider(_ context.Context, _ txmanager.Session, _ uuid.UUID, provider po.StorageProvider) (*po.StorageCredential, error) {
	row, ok := s.rows[provider]
	if !ok {
		return nil, repositories.ErrCredentialNotFound
	}
	return row, nil
}

func (s *credRepoStub) ListByPod(_ context.Context, _ txmanager.Session, _ uuid.UUID) ([]*po.StorageCredential, error) {
	out := make([]*po.StorageCredential, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	return out, nil
}

func (s *credRepoStub) UpsertValidated(_ context.Context, _ txmanager.Session, input repositories.UpsertValidatedInput) (*po.StorageCredential, error) {
	s.upserts++
	row := &po.StorageCredential{
		PodID:        input.PodID,
		Provider:     input.Provider,
		AccessKey:    input.AccessKey,
		SecretKey:    input.SecretKey,
		Bucket:       input.Bucket,
		Endpoint:     input.Endpoint,
		Region:       input.Region,
		ValidatedAt:  input.ValidatedAt,
		ValidationOK: true,
	}
	s.rows[input.Provider] = row
	return row, nil
}

func (s *credRepoStub) Delete(_ context.Context, _ txmanager.Session, _ uuid.UUID, provider po.StorageProvider) error {
	if _, ok := s.rows[provider]; !ok {
		return repositories.ErrCredentialNotFound
	}
	delete(s.rows, provider)
	return nil
}

type proberStub struct {
	err   error
	calls int
}

func (s *proberStub) Probe(_ context.Context, _ objectstore.Credentials) error {
	s.calls++
	return s.err
}

type credFixture struct {
	svc    *services.CredentialService
	pods   *credPodStub
	creds  *credRepoStub
	prober *proberStub
	pod    *po.DumaPod
}

func newCredFixture(t *testing.T, defaults services.SystemDefaults) *credFixture {
	t.Helper()
	pod := &po.DumaPod{
		PodID:           uuid.New(),
		CapacityBytes:   1 << 30,
		PrimaryProvider: po.ProviderAWSS3,
		IsActive:        true,
	}
	f := &credFixture{
		pods:   &credPodStub{pod: pod},
		creds:  &credRepoStub{rows: map[po.StorageProvider]*po.StorageCredential{}},
		prober: &proberStub{},
		pod:    pod,
	}
	svc, err := services.NewCredentialService(f.pods, f.creds, f.prober, noopTxManager{}, defaults, testLogger())
	if err != nil {
		t.Fatalf("NewCredentialService: %v", err)
	}
	f.svc = svc
	return f
}

func awsDefaults() services.SystemDefaults {
	return services.SystemDefaults{
		po.ProviderAWSS3: {Bucket: "platform-bucket", AccessKey: "AKIAPLATFORM", SecretKey: "platform-secret", Region: "us-east-1"},
	}
}

func candidate() services.CandidateCredential {
	return services.CandidateCredential{
		AccessKey: "AKIACUSTOM",
		SecretKey: "custom-secret",
		Bucket:    "tenant-bucket",
		Region:    "eu-west-1",
	}
}

func TestCredentialService_SetCustomRejectedProbeLeavesConfigUntouched(t *testing.T) {
	f := newCredFixture(t, awsDefaults())
	f.prober.err = objectstore.ErrCredentialInvalid

	_, err := f.svc.SetCustom(context.Background(), f.pod.PodID, po.ProviderAWSS3, candidate())
	if kerr := kerrors.FromError(err); kerr == nil || kerr.Reason != services.ReasonCredentialInvalid {
		t.Fatalf("expected %s, got %v", services.ReasonCredentialInvalid, err)
	}
	if f.creds.upserts != 0 {
		t.Fatal("rejected credentials must not be persisted")
	}
	if f.pod.UseCustomS3 {
		t.Fatal("rejected credentials must not flip use_custom")
	}
}

func TestCredentialService_SetCustomUnreachableProvider(t *testing.T) {
	f := newCredFixture(t, awsDefaults())
	f.prober.err = objectstore.ErrProviderUnavailable

	_, err := f.svc.SetCustom(context.Background(), f.pod.PodID, po.ProviderAWSS3, candidate())
	if kerr := kerrors.FromError(err); kerr == nil || kerr.Reason != services.ReasonProviderUnavailable {
		t.Fatalf("expected %s, got %v", services.ReasonProviderUnavailable, err)
	}
}

func TestCredentialService_SetCustomEnablesResolvedCredentials(t *testing.T) {
	f := newCredFixture(t, awsDefaults())

	saved, err := f.svc.SetCustom(context.Background(), f.pod.PodID, po.ProviderAWSS3, candidate())
	if err != nil {
		t.Fatalf("SetCustom: %v", err)
	}
	if saved.Bucket != "tenant-bucket" || !saved.ValidationOK {
		t.Fatalf("unexpected saved credential: %+v", saved)
	}
	if !f.pod.UseCustomS3 {
		t.Fatal("expected use_custom flag to be set")
	}

	resolved, err := f.svc.GetActive(context.Background(), f.pod.PodID, po.ProviderAWSS3)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if resolved.Source != objectstore.SourceCustom {
		t.Fatalf("expected custom source, got %s", resolved.Source)
	}
	if resolved.AccessKey != "AKIACUSTOM" || resolved.Bucket != "tenant-bucket" {
		t.Fatalf("unexpected resolved credentials: %+v", resolved.Credentials)
	}
}

func TestCredentialService_GetActiveNeverFallsBackSilently(t *testing.T) {
	f := newCredFixture(t, awsDefaults())
	f.pod.UseCustomS3 = true // flag set but no credential row

	_, err := f.svc.GetActive(context.Background(), f.pod.PodID, po.ProviderAWSS3)
	if kerr := kerrors.FromError(err); kerr == nil || kerr.Reason != services.ReasonNoUsableCredentials {
		t.Fatalf("expected %s, got %v", services.ReasonNoUsableCredentials, err)
	}
}

func TestCredentialService_GetActiveRejectsUnvalidatedCustom(t *testing.T) {
	f := newCredFixture(t, awsDefaults())
	f.pod.UseCustomS3 = true
	f.creds.rows[po.ProviderAWSS3] = &po.StorageCredential{
		PodID: f.pod.PodID, Provider: po.ProviderAWSS3, AccessKey: "AKIA", SecretKey: "s", Bucket: "b",
		ValidationOK: false,
	}

	_, err := f.svc.GetActive(context.Background(), f.pod.PodID, po.ProviderAWSS3)
	if kerr := kerrors.FromError(err); kerr == nil || kerr.Reason != services.ReasonNoUsableCredentials {
		t.Fatalf("expected %s, got %v", services.ReasonNoUsableCredentials, err)
	}
}

func TestCredentialService_GetActiveSystemDefault(t *testing.T) {
	f := newCredFixture(t, awsDefaults())

	resolved, err := f.svc.GetActive(context.Background(), f.pod.PodID, po.ProviderAWSS3)
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if resolved.Source != objectstore.SourceSystemDefault {
		t.Fatalf("expected system default source, got %s", resolved.Source)
	}
	if resolved.Bucket != "platform-bucket" || resolved.Provider != po.ProviderAWSS3 {
		t.Fatalf("unexpected resolved credentials: %+v", resolved.Credentials)
	}
}

func TestCredentialService_GetActiveNoDefaultConfigured(t *testing.T) {
	f := newCredFixture(t, awsDefaults())

	_, err := f.svc.GetActive(context.Background(), f.pod.PodID, po.ProviderWasabi)
	if kerr := kerrors.FromError(err); kerr == nil || kerr.Reason != services.ReasonNoUsableCredentials {
		t.Fatalf("expected %s, got %v", services.ReasonNoUsableCredentials, err)
	}
}

func TestCredentialService_GetActiveCachesAndInvalidates(t *testing.T) {
	f := newCredFixture(t, awsDefaults())
	ctx := context.Background()

	if _, err := f.svc.GetActive(ctx, f.pod.PodID, po.ProviderAWSS3); err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	loads := f.pods.getCalls
	if _, err := f.svc.GetActive(ctx, f.pod.PodID, po.ProviderAWSS3); err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if f.pods.getCalls != loads {
		t.Fatal("second resolve within TTL must be served from cache")
	}

	// 轮换为自定义凭据必须立即对解析可见。
	if _, err := f.svc.SetCustom(ctx, f.pod.PodID, po.ProviderAWSS3, candidate()); err != nil {
		t.Fatalf("SetCustom: %v", err)
	}
	resolved, err := f.svc.GetActive(ctx, f.pod.PodID, po.ProviderAWSS3)
	if err != nil {
		t.Fatalf("GetActive after rotation: %v", err)
	}
	if resolved.Source != objectstore.SourceCustom {
		t.Fatalf("expected rotation to invalidate cache, got source %s", resolved.Source)
	}
}

func TestCredentialService_DeleteRefusedWhileEnabled(t *testing.T) {
	f := newCredFixture(t, awsDefaults())
	ctx := context.Background()

	if _, err := f.svc.SetCustom(ctx, f.pod.PodID, po.ProviderAWSS3, candidate()); err != nil {
		t.Fatalf("SetCustom: %v", err)
	}

	err := f.svc.Delete(ctx, f.pod.PodID, po.ProviderAWSS3)
	if kerr := kerrors.FromError(err); kerr == nil || kerr.Reason != services.ReasonInvalidState {
		t.Fatalf("expected %s, got %v", services.ReasonInvalidState, err)
	}

	if err := f.svc.UseSystemDefault(ctx, f.pod.PodID, po.ProviderAWSS3); err != nil {
		t.Fatalf("UseSystemDefault: %v", err)
	}
	if err := f.svc.Delete(ctx, f.pod.PodID, po.ProviderAWSS3); err != nil {
		t.Fatalf("Delete after switch: %v", err)
	}
	if _, ok := f.creds.rows[po.ProviderAWSS3]; ok {
		t.Fatal("credential row should be gone")
	}
}

func TestCredentialService_UseSystemDefaultRequiresConfiguredDefault(t *testing.T) {
	f := newCredFixture(t, awsDefaults())

	err := f.svc.UseSystemDefault(context.Background(), f.pod.PodID, po.ProviderWasabi)
	if kerr := kerrors.FromError(err); kerr == nil || kerr.Reason != services.ReasonNoUsableCredentials {
		t.Fatalf("expected %s, got %v", services.ReasonNoUsableCredentials, err)
	}
}

func TestCredentialService_ValidateReportsFailureAsResult(t *testing.T) {
	f := newCredFixture(t, awsDefaults())
	f.prober.err = errors.New("bucket not reachable")

	result, err := f.svc.Validate(context.Background(), po.ProviderAWSS3, candidate())
	if err != nil {
		t.Fatalf("Validate must not treat probe failure as error: %v", err)
	}
	if result.OK {
		t.Fatal("expected failed validation")
	}
	if result.FailureReason == "" {
		t.Fatal("expected a failure reason")
	}
}

func TestCredentialService_ValidateRequiresCompleteCandidate(t *testing.T) {
	f := newCredFixture(t, awsDefaults())

	_, err := f.svc.Validate(context.Background(), po.ProviderAWSS3, services.CandidateCredential{AccessKey: "only"})
	if kerr := kerrors.FromError(err); kerr == nil || kerr.Reason != services.ReasonInvalidArgument {
		t.Fatalf("expected %s, got %v", services.ReasonInvalidArgument, err)
	}
}
