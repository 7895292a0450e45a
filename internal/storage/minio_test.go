package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupMinio(t *testing.T) *MinioStore {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err)

	s, err := NewMinioStore(MinioConfig{
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "inferq-test",
	})
	require.NoError(t, err)
	require.NoError(t, s.EnsureBucket(ctx))
	return s
}

func TestMinioStore_PutGetDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupMinio(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureBucket(ctx), "second call is a no-op")

	require.NoError(t, s.Put(ctx, "job-1", "result.json", []byte(`{"face_count":1}`), "application/json"))
	require.NoError(t, s.Put(ctx, "job-1", "faces/0.bin", []byte{0, 0, 128, 63}, "application/octet-stream"))
	require.NoError(t, s.Put(ctx, "job-2", "result.json", []byte(`{}`), "application/json"))

	data, err := s.Get(ctx, "job-1", "result.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"face_count":1}`, string(data))

	require.NoError(t, s.DeleteJob(ctx, "job-1"))

	_, err = s.Get(ctx, "job-1", "result.json")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "job-2", "result.json")
	assert.NoError(t, err, "other jobs are untouched")
}
