//go:build integration

package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/file-custody/internal/config"
)

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

// startMinIO returns the endpoint of a MinIO server. MINIO_ENDPOINT points
// at an existing server; otherwise a throwaway Docker container is started.
func startMinIO(t *testing.T) string {
	t.Helper()

	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if exec.Command("docker", "version").Run() != nil {
		t.Skip("MinIO not available. Set MINIO_ENDPOINT or install Docker.")
	}

	name := fmt.Sprintf("custody-minio-%d", time.Now().UnixNano())
	cmd := exec.Command("docker", "run", "--rm", "-d",
		"-p", "19000:9000",
		"-e", "MINIO_ROOT_USER="+minioUser,
		"-e", "MINIO_ROOT_PASSWORD="+minioPassword,
		"--name", name,
		"minio/minio:latest",
		"server", "/data",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to start MinIO container: %v: %s", err, out)
	}
	t.Cleanup(func() { _ = exec.Command("docker", "stop", name).Run() })

	endpoint := "http://localhost:19000"
	require.NoError(t, waitForMinIO(endpoint))
	return endpoint
}

func waitForMinIO(endpoint string) error {
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("timeout waiting for MinIO at %s", endpoint)
		case <-ticker.C:
			resp, err := http.Get(endpoint + "/minio/health/live")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}

func newMinIOStore(t *testing.T, endpoint, bucket string) *S3Store {
	t.Helper()
	ctx := context.Background()

	store, err := NewS3Store(ctx, config.StorageConfig{
		Backend:      "s3",
		Endpoint:     endpoint,
		Region:       "us-east-1",
		AccessKey:    minioUser,
		SecretKey:    minioPassword,
		UsePathStyle: true,
	}, bucket, nil)
	require.NoError(t, err)

	client, ok := store.client.(*s3.Client)
	require.True(t, ok)
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var owned interface{ ErrorCode() string }
		if !errors.As(err, &owned) || owned.ErrorCode() != "BucketAlreadyOwnedByYou" {
			require.NoError(t, err)
		}
	}
	return store
}

func TestS3Store_MinIO(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	endpoint := startMinIO(t)
	files := newMinIOStore(t, endpoint, "custody-files")
	quarantine := newMinIOStore(t, endpoint, "custody-quarantine")
	ctx := context.Background()

	payload := bytes.Repeat([]byte("ciphertext"), 10_000)
	require.NoError(t, files.Put(ctx, "abc.enc", bytes.NewReader(payload), int64(len(payload))))

	ok, err := files.Exists(ctx, "abc.enc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = quarantine.Exists(ctx, "abc.enc")
	require.NoError(t, err)
	assert.False(t, ok)

	rc, err := files.Get(ctx, "abc.enc")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, files.Delete(ctx, "abc.enc"))
	require.NoError(t, files.Delete(ctx, "abc.enc"))

	_, err = files.Get(ctx, "abc.enc")
	assert.ErrorIs(t, err, ErrNotFound)
}
