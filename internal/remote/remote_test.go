package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgdrill/internal/config"
)

func TestValidateStorageClass(t *testing.T) {
	tests := []struct {
		name         string
		storageClass string
		wantErr      bool
		errContains  string
	}{
		{
			name:         "STANDARD is accessible",
			storageClass: "STANDARD",
			wantErr:      false,
		},
		{
			name:         "STANDARD_IA is accessible",
			storageClass: "STANDARD_IA",
			wantErr:      false,
		},
		{
			name:         "INTELLIGENT_TIERING is accessible",
			storageClass: "INTELLIGENT_TIERING",
			wantErr:      false,
		},
		{
			name:         "GLACIER is not accessible",
			storageClass: "GLACIER",
			wantErr:      true,
			errContains:  "not immediately accessible",
		},
		{
			name:         "DEEP_ARCHIVE is not accessible",
			storageClass: "DEEP_ARCHIVE",
			wantErr:      true,
			errContains:  "not immediately accessible",
		},
		{
			name:         "empty string is accessible",
			storageClass: "",
			wantErr:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStorageClass(tt.storageClass)

			if tt.wantErr {
				assert.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "pgdrill/prod/2024-01-15_1430.snapshot.age", Key("pgdrill/prod", "2024-01-15_1430.snapshot.age"))
	assert.Equal(t, "a.age", Key("", "a.age"))
	assert.Equal(t, "p/a.age", Key("p/", "a.age"))
}

func TestNewS3RejectsArchiveTier(t *testing.T) {
	_, err := NewS3(context.Background(), config.S3Config{Bucket: "b", Region: "us-east-1", StorageClass: "GLACIER"}, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not immediately accessible")

	_, err = NewS3(context.Background(), config.S3Config{Bucket: "b", Region: "us-east-1"}, 3)
	assert.ErrorContains(t, err, "storage class must be specified")
}

func TestNewS3WithStaticCredentials(t *testing.T) {
	s, err := NewS3(context.Background(), config.S3Config{
		Bucket:          "drills",
		Prefix:          "pg",
		Region:          "us-east-1",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		StorageClass:    "STANDARD",
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, "drills", s.bucket)
	assert.Equal(t, "pg", s.prefix)
}
