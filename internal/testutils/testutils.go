//go:build integration

// Package testutils starts the backing services used by the integration
// tests: an S3-compatible Minio bucket and a vault API server on top of it.
package testutils

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tbumi/glacier-upload/pkg/vault/blobvault"
	"github.com/tbumi/glacier-upload/pkg/vault/httpvault"
)

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

// ArchiveData returns size bytes of archive content. Small archives get a
// repeating pattern so failures are easy to read; large ones are random so
// that equal leaves cannot mask an offset bug.
func ArchiveData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 251)
		}
		return data
	}
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generate archive data: %v", err)
	}
	return data
}

// Minio is a running Minio container holding one empty bucket.
type Minio struct {
	Container testcontainers.Container
	// VaultURL is the gocloud s3:// URL of the bucket, usable as a
	// --vault-url or with blobvault.Open.
	VaultURL string
	Endpoint string
}

// Close terminates the container.
func (m *Minio) Close(ctx context.Context) error {
	if m.Container == nil {
		return nil
	}
	return m.Container.Terminate(ctx)
}

// OpenVault opens a blobvault service on the Minio bucket. The bucket is
// closed when the test ends.
func (m *Minio) OpenVault(t *testing.T, ctx context.Context, options ...blobvault.Option) *blobvault.Service {
	t.Helper()
	svc, bucket, err := blobvault.Open(ctx, m.VaultURL, options...)
	if err != nil {
		t.Fatalf("open vault on %s: %v", m.VaultURL, err)
	}
	t.Cleanup(func() { bucket.Close() })
	return svc
}

// StartMinio starts Minio, creates bucket and points the AWS credential
// environment at it for the rest of the test.
func StartMinio(t *testing.T, ctx context.Context, bucket string) *Minio {
	t.Helper()

	networkName := fmt.Sprintf("glacier-test-%d", time.Now().UnixNano())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{Name: networkName},
	})
	if err != nil {
		t.Fatalf("create network: %v", err)
	}
	t.Cleanup(func() { network.Remove(ctx) })

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          "minio/minio:latest",
			ExposedPorts:   []string{"9000/tcp"},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"minio"}},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio: %v", err)
	}

	makeBucket(t, ctx, networkName, bucket)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("minio host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("minio port: %v", err)
	}
	endpoint := host + ":" + port.Port()

	t.Setenv("AWS_ACCESS_KEY_ID", minioUser)
	t.Setenv("AWS_SECRET_ACCESS_KEY", minioPassword)

	vaultURL := fmt.Sprintf("s3://%s?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1",
		bucket, endpoint)
	return &Minio{Container: container, VaultURL: vaultURL, Endpoint: endpoint}
}

// makeBucket runs a one-shot mc container on the test network.
func makeBucket(t *testing.T, ctx context.Context, networkName, bucket string) {
	t.Helper()

	mc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      "minio/mc:latest",
			Networks:   []string{networkName},
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd: []string{fmt.Sprintf(
				"/usr/bin/mc alias set local http://minio:9000 %s %s && /usr/bin/mc mb local/%s; exit 0",
				minioUser, minioPassword, bucket)},
			WaitingFor: wait.ForExit(),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("create bucket %s: %v", bucket, err)
	}
	mc.Terminate(ctx)
}

// StartVaultServer serves the vault REST API over svc on a local port.
// The server is shut down when the test ends.
func StartVaultServer(t *testing.T, svc *blobvault.Service) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(httpvault.NewHandler(svc, logger))
	t.Cleanup(srv.Close)
	return srv
}

// CompareReader reads r to the end and fails the test at the first
// offset where it differs from want.
func CompareReader(t *testing.T, r io.Reader, want []byte) {
	t.Helper()

	buf := make([]byte, 1<<20)
	var offset int
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if offset+n > len(want) {
				t.Fatalf("read past end: offset=%d n=%d want %d bytes", offset, n, len(want))
			}
			if !bytes.Equal(buf[:n], want[offset:offset+n]) {
				t.Fatalf("content differs in [%d, %d)", offset, offset+n)
			}
			offset += n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read at offset %d: %v", offset, err)
		}
	}
	if offset != len(want) {
		t.Fatalf("short read: got %d bytes, want %d", offset, len(want))
	}
}
