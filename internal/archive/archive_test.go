package archive

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cjeanneret/RingScan/internal/config"
	"github.com/cjeanneret/RingScan/internal/stitch"
)

// fakeS3 accepts PUTs and keeps the bodies by key.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	fail    bool
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Method != http.MethodPut || f.fail {
		return &http.Response{StatusCode: http.StatusInternalServerError, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}, nil
	}
	// path style: /bucket/key
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	body, _ := io.ReadAll(req.Body)
	f.objects[parts[1]] = body
	f.types[parts[1]] = req.Header.Get("Content-Type")
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{"Etag": {`"e"`}}}, nil
}

func newFake(t *testing.T) (*fakeS3, *s3.Client) {
	t.Helper()
	f := &fakeS3{objects: make(map[string][]byte), types: make(map[string]string)}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	if err != nil {
		t.Fatal(err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: f}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.RetryMaxAttempts = 1
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return f, client
}

func writeSample(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "QUAL_3_a_12_00_00")
	files := map[string]string{
		"tile_0_0.tiff":      "t00",
		"tile_0_1.tiff":      "t01",
		"metadata.json":      "{}",
		".metadata-123.json": "partial",
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestUploadDir(t *testing.T) {
	f, client := newFake(t)
	u := NewWithClient(client, "rings", "/lab/2024/")
	dir := writeSample(t)

	n, err := u.UploadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("UploadDir: %v", err)
	}
	if n != 3 {
		t.Errorf("uploaded %d files, want 3", n)
	}

	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := []string{
		"lab/2024/QUAL_3_a_12_00_00/metadata.json",
		"lab/2024/QUAL_3_a_12_00_00/tile_0_0.tiff",
		"lab/2024/QUAL_3_a_12_00_00/tile_0_1.tiff",
	}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("keys = %v, want %v", keys, want)
	}
	if got := string(f.objects[want[1]]); got != "t00" {
		t.Errorf("body = %q", got)
	}
	if ct := f.types[want[0]]; ct != "application/json" {
		t.Errorf("metadata content type = %q", ct)
	}
}

func TestUploadDir_Error(t *testing.T) {
	f, client := newFake(t)
	f.fail = true
	u := NewWithClient(client, "rings", "")
	if _, err := u.UploadDir(context.Background(), writeSample(t)); err == nil {
		t.Error("expected an error from a failing store")
	}
}

func TestAfterStitch(t *testing.T) {
	f, client := newFake(t)
	u := NewWithClient(client, "rings", "p")
	dir := writeSample(t)

	u.AfterStitch(context.Background())(dir, stitch.Result{Status: stitch.StatusTooLarge})
	if len(f.objects) != 3 {
		t.Errorf("objects = %d, want 3", len(f.objects))
	}
}

func TestNew_Disabled(t *testing.T) {
	u, err := New(context.Background(), config.ArchiveConfig{})
	if u != nil || err != nil {
		t.Errorf("New(no bucket) = %v, %v", u, err)
	}
}

func TestNew_StaticKeys(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, config.ArchiveConfig{Bucket: "b", AccessKeyID: "AKIA"}); err == nil {
		t.Error("a lone access key should be rejected")
	}
	u, err := New(ctx, config.ArchiveConfig{
		Bucket:          "b",
		Region:          "eu-central-1",
		Endpoint:        "http://127.0.0.1:9000",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
	})
	if err != nil || u == nil {
		t.Fatalf("New = %v, %v", u, err)
	}
	if got := u.Key("/data/QUAL_1_a_10_00_00", "tile_0_0.tiff"); got != "QUAL_1_a_10_00_00/tile_0_0.tiff" {
		t.Errorf("key = %q", got)
	}
}
