package downloader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseS3URL(t *testing.T) {
	testCases := []struct {
		url    string
		bucket string
		key    string
		err    bool
	}{
		{url: "s3://updates/prod/manifest.json", bucket: "updates", key: "prod/manifest.json"},
		{url: "s3://updates/a", bucket: "updates", key: "a"},
		{url: "s3://updates/", err: true},
		{url: "s3:///key", err: true},
		{url: "https://updates/key", err: true},
	}

	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			bucket, key, err := parseS3URL(tc.url)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.bucket, bucket)
			assert.Equal(t, tc.key, key)
		})
	}
}

func TestS3Fetcher_Open(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/updates/prod/bundle.js" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		_, _ = w.Write([]byte("bundle"))
	}))
	defer srv.Close()

	f, err := NewS3Fetcher(context.Background(), S3Config{Endpoint: srv.URL, ForcePathStyle: true})
	require.NoError(t, err)

	body, err := f.Open(context.Background(), Request{URL: "s3://updates/prod/bundle.js"})
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "bundle", string(data))

	_, err = f.Open(context.Background(), Request{URL: "s3://updates/missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}
