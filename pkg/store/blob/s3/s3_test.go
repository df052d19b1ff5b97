package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborfs/arbor/pkg/store/blob"
)

// fakeS3 is a minimal path-style S3 endpoint backed by a map. Enough surface
// for the payload backend: HeadBucket, PutObject, GetObject, DeleteObject.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>key not found</Message></Error>`))
			return
		}
		_, _ = w.Write(data)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestPayloads(t *testing.T) (*Payloads, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string][]byte)}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		),
	)
	require.NoError(t, err)

	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.BaseEndpoint = aws.String(server.URL)
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return NewWithClient(client, "test-bucket", "blobs/"), fake
}

func TestPutOpenDelete(t *testing.T) {
	p, fake := newTestPayloads(t)
	ctx := context.Background()
	id := blob.ID("ab12cd34")

	n, err := p.Put(ctx, id, strings.NewReader("payload bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("payload bytes")), n)
	assert.Contains(t, fake.objects, "test-bucket/blobs/ab12cd34")

	rc, err := p.Open(ctx, id)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload bytes", string(data))

	require.NoError(t, p.Delete(ctx, id))
	_, err = p.Open(ctx, id)
	assert.ErrorIs(t, err, blob.ErrPayloadMissing)

	// Deleting again is fine, DeleteObject is idempotent.
	require.NoError(t, p.Delete(ctx, id))
}

func TestHealthcheck(t *testing.T) {
	p, _ := newTestPayloads(t)
	assert.NoError(t, p.Healthcheck(context.Background()))
}
