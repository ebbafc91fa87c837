package artifact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sentryal/sarpipe/pkg/insar"
)

func TestNewNotConfigured(t *testing.T) {
	_, err := New(context.Background(), Config{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestUploadProducts(t *testing.T) {
	var puts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts = append(puts, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	uploader, err := New(context.Background(), Config{
		Bucket:          "sar-results",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		ForcePathStyle:  true,
		Prefix:          "interferograms",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}, zap.NewNop())
	require.NoError(t, err)

	dir := t.TempDir()
	intf := filepath.Join(dir, "phasefilt_ll.grd")
	corr := filepath.Join(dir, "corr_ll.grd")
	require.NoError(t, os.WriteFile(intf, []byte("grd"), 0644))
	require.NoError(t, os.WriteFile(corr, []byte("grd"), 0644))

	// Unwrapped and displacement left empty, as after an unwrapping skip.
	results, err := uploader.UploadProducts(context.Background(), "job-1", insar.Products{
		Interferogram: intf,
		Coherence:     corr,
	})
	require.NoError(t, err)

	assert.Equal(t, "s3://sar-results/interferograms/job-1/phasefilt_ll.grd", results.InterferogramURL)
	assert.Equal(t, "s3://sar-results/interferograms/job-1/corr_ll.grd", results.CoherenceURL)
	assert.Empty(t, results.UnwrappedURL)
	assert.Empty(t, results.DisplacementURL)

	assert.ElementsMatch(t, []string{
		"/sar-results/interferograms/job-1/phasefilt_ll.grd",
		"/sar-results/interferograms/job-1/corr_ll.grd",
	}, puts)
}

func TestUploadProductsMissingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	uploader, err := New(context.Background(), Config{
		Bucket:          "sar-results",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		ForcePathStyle:  true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = uploader.UploadProducts(context.Background(), "job-1", insar.Products{
		Interferogram: filepath.Join(t.TempDir(), "nope.grd"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open artifact")
}
