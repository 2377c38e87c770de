package dto_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dumalabs/duma-services-storage/internal/controllers/dto"
	"github.com/dumalabs/duma-services-storage/internal/models/po"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCredentialRedactsSecrets(t *testing.T) {
	cred := &po.StorageCredential{
		PodID:        uuid.New(),
		Provider:     po.ProviderWasabi,
		AccessKey:    "AKIAEXAMPLE1234",
		SecretKey:    "super-secret-value",
		Bucket:       "tenant-bucket",
		Region:       "us-east-1",
		ValidatedAt:  time.Now(),
		ValidationOK: true,
	}

	view := dto.FromCredential(cred)
	require.NotNil(t, view)
	assert.Equal(t, "...1234", view.AccessKeyTail)
	assert.Equal(t, "wasabi", view.Provider)
	assert.True(t, view.ValidationOK)

	raw, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-value")
	assert.NotContains(t, string(raw), "AKIAEXAMPLE1234")
}

func TestFromCredentialShortAccessKey(t *testing.T) {
	view := dto.FromCredential(&po.StorageCredential{AccessKey: "abc", PodID: uuid.New()})
	require.NotNil(t, view)
	assert.Equal(t, "abc", view.AccessKeyTail)
}

func TestFromUploadRecordDerivesProgress(t *testing.T) {
	rec := &po.UploadRecord{
		UploadID:      uuid.New(),
		PodID:         uuid.New(),
		UserID:        uuid.New(),
		DeclaredSize:  1000,
		BytesUploaded: 1000,
		Status:        po.UploadStatusUploading,
		ContentKind:   po.ContentKindVideo,
		Provider:      po.ProviderAWSS3,
	}

	view := dto.FromUploadRecord(rec)
	require.NotNil(t, view)
	assert.Equal(t, 99, view.ProgressPercent, "unconfirmed uploads cap below 100")

	rec.Status = po.UploadStatusConfirmed
	assert.Equal(t, 100, dto.FromUploadRecord(rec).ProgressPercent)
}

func TestFromTranscodeJobNil(t *testing.T) {
	assert.Nil(t, dto.FromTranscodeJob(nil))
	assert.Nil(t, dto.FromUploadRecord(nil))
	assert.Nil(t, dto.FromCredential(nil))
}
