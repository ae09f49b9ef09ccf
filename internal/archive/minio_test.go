package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in         string
		secure     bool
		want       string
		wantSecure bool
		wantErr    bool
	}{
		{in: "localhost:9000", want: "localhost:9000"},
		{in: "localhost:9000", secure: true, want: "localhost:9000", wantSecure: true},
		{in: "http://localhost:9000", secure: true, want: "localhost:9000"},
		{in: "https://s3.amazonaws.com/", want: "s3.amazonaws.com", wantSecure: true},
		{in: "https://s3.amazonaws.com/bucket", wantErr: true},
		{in: "localhost:9000/bucket", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, secure, err := cleanEndpoint(tt.in, tt.secure)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantSecure, secure, tt.in)
	}
}

func TestCompressLeavesGzipAlone(t *testing.T) {
	plain := []byte(`{"salesAndTrafficByDate":[]}`)
	packed, err := compress(plain)
	require.NoError(t, err)
	assert.True(t, isGzip(packed))

	again, err := compress(packed)
	require.NoError(t, err)
	assert.Equal(t, packed, again)
}

type fakeS3 struct {
	mu      sync.Mutex
	method  string
	path    string
	body    []byte
	status  int
	headers http.Header
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	if strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		decoded, err := decodeAWSChunked(data)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data = decoded
	}
	f.mu.Lock()
	f.method, f.path, f.body, f.headers = r.Method, r.URL.Path, data, r.Header.Clone()
	status := f.status
	f.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`))
		return
	}
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

// decodeAWSChunked strips the aws-chunked framing minio-go uses for signed
// streaming uploads over plain HTTP: "<hex size>[;chunk-signature=...]\r\n"
// followed by the chunk and "\r\n", ending with a zero sized chunk and
// optional trailers.
func decodeAWSChunked(data []byte) ([]byte, error) {
	var out bytes.Buffer
	r := bufio.NewReader(bytes.NewReader(data))
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("chunk header: %w", err)
		}
		sizeHex, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("chunk size %q: %w", sizeHex, err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, r, size); err != nil {
			return nil, fmt.Errorf("chunk body: %w", err)
		}
		if _, err := r.ReadString('\n'); err != nil {
			return nil, fmt.Errorf("chunk end: %w", err)
		}
	}
}

func TestDecodeAWSChunked(t *testing.T) {
	framed := "5;chunk-signature=abc\r\nhello\r\n6;chunk-signature=def\r\n world\r\n0;chunk-signature=ghi\r\n\r\n"
	got, err := decodeAWSChunked([]byte(framed))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	_, err = decodeAWSChunked([]byte("zz\r\n"))
	assert.Error(t, err)
}

func TestArchiveUploadsCompressedDocument(t *testing.T) {
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a, err := NewMinioArchiver(Config{
		Endpoint:  srv.URL,
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "raw-reports",
		Prefix:    "/spapi/",
	}, nil)
	require.NoError(t, err)

	doc := []byte(`{"reportSpecification":{"reportType":"GET_SALES_AND_TRAFFIC_REPORT"}}`)
	require.NoError(t, a.Archive(context.Background(), "GET_SALES_AND_TRAFFIC_REPORT/ATVPDKIKX0DER/2024-03-10/R1", doc))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, http.MethodPut, fake.method)
	assert.Equal(t, "/raw-reports/spapi/GET_SALES_AND_TRAFFIC_REPORT/ATVPDKIKX0DER/2024-03-10/R1.json.gz", fake.path)
	assert.Contains(t, strings.Join(fake.headers.Values("Content-Encoding"), ","), "gzip")

	zr, err := gzip.NewReader(bytes.NewReader(fake.body))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestArchiveReportsUploadFailure(t *testing.T) {
	srv := httptest.NewServer(&fakeS3{status: http.StatusForbidden})
	defer srv.Close()

	a, err := NewMinioArchiver(Config{Endpoint: srv.URL, Bucket: "raw-reports"}, nil)
	require.NoError(t, err)

	err = a.Archive(context.Background(), "k", []byte("{}"))
	assert.ErrorContains(t, err, "put raw-reports/k.json.gz")
}

func TestNewMinioArchiverValidates(t *testing.T) {
	_, err := NewMinioArchiver(Config{Endpoint: "localhost:9000"}, nil)
	assert.ErrorContains(t, err, "bucket")

	_, err = NewMinioArchiver(Config{Endpoint: "localhost:9000/x", Bucket: "b"}, nil)
	assert.ErrorContains(t, err, "invalid archive endpoint")

	assert.False(t, Config{Bucket: "b"}.Enabled())
	assert.True(t, Config{Endpoint: "localhost:9000", Bucket: "b"}.Enabled())
}
