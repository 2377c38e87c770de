package transcoder_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dumalabs/duma-services-storage/internal/infrastructure/ffmpeg"
	"github.com/dumalabs/duma-services-storage/internal/infrastructure/objectstore"
	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/repositories"
	"github.com/dumalabs/duma-services-storage/internal/services"
	"github.com/dumalabs/duma-services-storage/internal/tasks/transcoder"

	"github.com/bionicotaku/lingo-utils/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

type jobRepoStub struct {
	status      po.TranscodeJobStatus
	outputKey   string
	lastError   string
	cancelledBy string
	nextAt      time.Time
	renewals    int
}

func (s *jobRepoStub) Claim(_ context.Context, _ string, _ time.Duration) (*po.TranscodeJob, bool, error) {
	return nil, false, repositories.ErrNoClaimableJob
}

func (s *jobRepoStub) RenewLease(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) error {
	s.renewals++
	return nil
}

func (s *jobRepoStub) MarkSucceeded(_ context.Context, _ txmanager.Session, _ uuid.UUID, _, outputKey string) error {
	s.status = po.TranscodeStatusSucceeded
	s.outputKey = outputKey
	return nil
}

func (s *jobRepoStub) Reschedule(_ context.Context, _ uuid.UUID, _ string, nextAvailable time.Time, lastErr string) error {
	s.status = po.TranscodeStatusQueued
	s.nextAt = nextAvailable
	s.lastError = lastErr
	return nil
}

func (s *jobRepoStub) MarkFailed(_ context.Context, _ txmanager.Session, _ uuid.UUID, _, lastErr string) error {
	s.status = po.TranscodeStatusFailed
	s.lastError = lastErr
	return nil
}

func (s *jobRepoStub) MarkCancelled(_ context.Context, _ uuid.UUID, workerID, reason string) error {
	s.status = po.TranscodeStatusCancelled
	s.cancelledBy = workerID
	s.lastError = reason
	return nil
}

type workerUploadStub struct {
	record       *po.UploadRecord
	derivedKey   string
	derivedError string
}

func (s *workerUploadStub) GetByID(_ context.Context, _ txmanager.Session, uploadID uuid.UUID) (*po.UploadRecord, error) {
	if s.record == nil || s.record.UploadID != uploadID {
		return nil, repositories.ErrUploadNotFound
	}
	cp := *s.record
	return &cp, nil
}

func (s *workerUploadStub) SetDerived(_ context.Context, _ txmanager.Session, _ uuid.UUID, derivedKey string) error {
	s.derivedKey = derivedKey
	return nil
}

func (s *workerUploadStub) SetDerivedError(_ context.Context, _ txmanager.Session, _ uuid.UUID, message string) error {
	s.derivedError = message
	return nil
}

type workerGatewayStub struct {
	source  []byte
	getErr  error
	putErr  error
	putKey  string
	putSize int64
	puts    int
}

func (s *workerGatewayStub) GetObject(_ context.Context, _ uuid.UUID, _ po.StorageProvider, _ string) (io.ReadCloser, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return io.NopCloser(bytes.NewReader(s.source)), nil
}

func (s *workerGatewayStub) PutObject(_ context.Context, _ uuid.UUID, _ po.StorageProvider, key string, _ io.ReadSeeker, size int64, _ string) error {
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.putKey = key
	s.putSize = size
	return nil
}

type workerQuotaStub struct {
	admitErr error
	admits   []int64
	commits  []int64
	releases []int64
}

func (s *workerQuotaStub) Admit(_ context.Context, _ txmanager.Session, _ uuid.UUID, declared int64) error {
	if s.admitErr != nil {
		return s.admitErr
	}
	s.admits = append(s.admits, declared)
	return nil
}

func (s *workerQuotaStub) Commit(_ context.Context, _ txmanager.Session, _ uuid.UUID, _, actual int64) error {
	s.commits = append(s.commits, actual)
	return nil
}

func (s *workerQuotaStub) Release(_ context.Context, _ txmanager.Session, _ uuid.UUID, declared int64) error {
	s.releases = append(s.releases, declared)
	return nil
}

type fakeTranscoder struct {
	output *ffmpeg.Output
	err    error
	calls  int
}

func (f *fakeTranscoder) Transcode(_ context.Context, _ ffmpeg.Input) (*ffmpeg.Output, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
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

type handlerFixture struct {
	handler *transcoder.Handler
	jobs    *jobRepoStub
	uploads *workerUploadStub
	gateway *workerGatewayStub
	quota   *workerQuotaStub
	tc      *fakeTranscoder
	job     *po.TranscodeJob
	upload  *po.UploadRecord
}

func newHandlerFixture(t *testing.T, cfg transcoder.HandlerConfig) *handlerFixture {
	t.Helper()

	uploadID := uuid.New()
	upload := &po.UploadRecord{
		UploadID:     uploadID,
		PodID:        uuid.New(),
		Filename:     "clip.mp4",
		DeclaredSize: 4096,
		ContentKind:  po.ContentKindVideo,
		Provider:     po.ProviderAWSS3,
		StorageKey:   "pods/x/raw/y/clip.mp4",
		Status:       po.UploadStatusConfirmed,
	}
	job := &po.TranscodeJob{
		JobID:    uuid.New(),
		UploadID: uploadID,
		Profile:  ffmpeg.DefaultProfile,
		Status:   po.TranscodeStatusRunning,
		Attempts: 1,
	}

	outPath := filepath.Join(t.TempDir(), "out.mp4")
	payload := []byte("transcoded-bytes")
	if err := os.WriteFile(outPath, payload, 0o600); err != nil {
		t.Fatalf("write fixture output: %v", err)
	}

	f := &handlerFixture{
		jobs:    &jobRepoStub{status: po.TranscodeStatusRunning},
		uploads: &workerUploadStub{record: upload},
		gateway: &workerGatewayStub{source: []byte("raw-bytes")},
		quota:   &workerQuotaStub{},
		tc: &fakeTranscoder{output: &ffmpeg.Output{
			Path:        outPath,
			Size:        int64(len(payload)),
			ContentType: "video/mp4",
		}},
		job:    job,
		upload: upload,
	}

	handler, err := transcoder.NewHandler(f.jobs, f.uploads, f.gateway, f.quota, f.tc, noopTxManager{}, cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	f.handler = handler
	return f
}

func TestHandler_SuccessStoresDerivedOutput(t *testing.T) {
	f := newHandlerFixture(t, transcoder.HandlerConfig{MaxAttempts: 3})

	if err := f.handler.Handle(context.Background(), f.job, "worker-1"); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if f.jobs.status != po.TranscodeStatusSucceeded {
		t.Fatalf("expected succeeded job, got %s", f.jobs.status)
	}
	wantKey := services.DerivedObjectKey(f.upload.PodID, f.upload.UploadID, f.job.Profile)
	if f.jobs.outputKey != wantKey {
		t.Fatalf("job output key = %q, want %q", f.jobs.outputKey, wantKey)
	}
	if f.uploads.derivedKey != wantKey {
		t.Fatalf("upload derived key = %q, want %q", f.uploads.derivedKey, wantKey)
	}
	if f.gateway.putKey != wantKey || f.gateway.putSize != f.tc.output.Size {
		t.Fatalf("unexpected put: key=%q size=%d", f.gateway.putKey, f.gateway.putSize)
	}
	if len(f.quota.admits) != 1 || f.quota.admits[0] != f.tc.output.Size {
		t.Fatalf("expected output admitted against quota, got %v", f.quota.admits)
	}
	if len(f.quota.commits) != 1 || f.quota.commits[0] != f.tc.output.Size {
		t.Fatalf("expected output committed, got %v", f.quota.commits)
	}
}

func TestHandler_TransientFailureReschedulesWithBackoff(t *testing.T) {
	backoff := objectstore.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Minute, MaxInterval: 15 * time.Minute}
	f := newHandlerFixture(t, transcoder.HandlerConfig{MaxAttempts: 3, Backoff: backoff})
	f.tc.err = errors.New("ffmpeg exit 1")
	f.job.Attempts = 1

	before := time.Now()
	if err := f.handler.Handle(context.Background(), f.job, "worker-1"); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if f.jobs.status != po.TranscodeStatusQueued {
		t.Fatalf("expected rescheduled job, got %s", f.jobs.status)
	}
	wantDelay := backoff.NextDelay(1)
	if got := f.jobs.nextAt.Sub(before); got < wantDelay-time.Second || got > wantDelay+5*time.Second {
		t.Fatalf("next attempt delay %s out of range around %s", got, wantDelay)
	}
	if !strings.Contains(f.jobs.lastError, "ffmpeg exit 1") {
		t.Fatalf("expected cause in last_error, got %q", f.jobs.lastError)
	}
	if f.uploads.derivedError != "" {
		t.Fatal("transient failure must not set derived_error yet")
	}
}

func TestHandler_ExhaustedAttemptsFailsJobKeepsUpload(t *testing.T) {
	f := newHandlerFixture(t, transcoder.HandlerConfig{MaxAttempts: 3})
	f.tc.err = errors.New("ffmpeg exit 1")
	f.job.Attempts = 3

	if err := f.handler.Handle(context.Background(), f.job, "worker-1"); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if f.jobs.status != po.TranscodeStatusFailed {
		t.Fatalf("expected failed job, got %s", f.jobs.status)
	}
	if f.uploads.derivedError == "" {
		t.Fatal("expected derived_error on the upload record")
	}
	if f.uploads.record.Status != po.UploadStatusConfirmed {
		t.Fatalf("transcode failure must not touch upload status, got %s", f.uploads.record.Status)
	}
}

func TestHandler_CancelsWhenSourceUploadGone(t *testing.T) {
	f := newHandlerFixture(t, transcoder.HandlerConfig{MaxAttempts: 3})
	f.uploads.record = nil

	if err := f.handler.Handle(context.Background(), f.job, "worker-1"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.jobs.status != po.TranscodeStatusCancelled {
		t.Fatalf("expected cancelled job, got %s", f.jobs.status)
	}
	if f.tc.calls != 0 {
		t.Fatal("cancelled job must not reach the transcoder")
	}
}

func TestHandler_CancelsWhenUploadNoLongerConfirmed(t *testing.T) {
	f := newHandlerFixture(t, transcoder.HandlerConfig{MaxAttempts: 3})
	f.upload.Status = po.UploadStatusFailed
	f.uploads.record = f.upload

	if err := f.handler.Handle(context.Background(), f.job, "worker-1"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.jobs.status != po.TranscodeStatusCancelled {
		t.Fatalf("expected cancelled job, got %s", f.jobs.status)
	}
	if f.gateway.puts != 0 {
		t.Fatal("cancelled job must not store any output")
	}
}

func TestHandler_QuotaDeniedOutputRetries(t *testing.T) {
	f := newHandlerFixture(t, transcoder.HandlerConfig{MaxAttempts: 3})
	f.quota.admitErr = errors.New("pod full")
	f.job.Attempts = 1

	if err := f.handler.Handle(context.Background(), f.job, "worker-1"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.jobs.status != po.TranscodeStatusQueued {
		t.Fatalf("expected rescheduled job, got %s", f.jobs.status)
	}
	if f.gateway.puts != 0 {
		t.Fatal("denied output must not be stored")
	}
}

func TestHandler_PutFailureReleasesOutputReservation(t *testing.T) {
	f := newHandlerFixture(t, transcoder.HandlerConfig{MaxAttempts: 3})
	f.gateway.putErr = errors.New("provider down")
	f.job.Attempts = 1

	if err := f.handler.Handle(context.Background(), f.job, "worker-1"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.quota.releases) != 1 || f.quota.releases[0] != f.tc.output.Size {
		t.Fatalf("expected output reservation released, got %v", f.quota.releases)
	}
	if f.jobs.status != po.TranscodeStatusQueued {
		t.Fatalf("expected rescheduled job, got %s", f.jobs.status)
	}
}
