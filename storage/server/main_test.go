package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enfabrica/buildcache/storage/server/config"
	"github.com/enfabrica/buildcache/storage/server/key"
)

func TestSetup(t *testing.T) {
	flags := config.DefaultFlags()
	flags.CacheDir = t.TempDir()
	cfg, err := config.FromFlags(flags)
	require.NoError(t, err)

	// Leftovers of an upload interrupted by a crash.
	casRoot := cfg.Roots[key.ContentAddressableStore]
	require.NoError(t, os.MkdirAll(casRoot, 0750))
	leftover := filepath.Join(casRoot, "."+strings.Repeat("a", 64)+".1234.tmp")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0640))

	mux, grpcs, err := setup(cfg)
	require.NoError(t, err)
	defer grpcs.Stop()

	assert.NoFileExists(t, leftover)

	id := strings.Repeat("0f", 32)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/ac/"+id, strings.NewReader("result")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ac/"+id, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "result", w.Body.String())

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "buildcache_requests_total")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cas/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	info := grpcs.GetServiceInfo()
	for _, name := range []string{
		"build.bazel.remote.execution.v2.ContentAddressableStorage",
		"build.bazel.remote.execution.v2.ActionCache",
		"build.bazel.remote.execution.v2.Capabilities",
		"google.bytestream.ByteStream",
		"grpc.health.v1.Health",
	} {
		assert.Contains(t, info, name)
	}
}

func TestCORS(t *testing.T) {
	flags := config.DefaultFlags()
	flags.CacheDir = t.TempDir()
	flags.CORSOrigins = []string{"https://ui.example.com"}
	cfg, err := config.FromFlags(flags)
	require.NoError(t, err)

	mux, grpcs, err := setup(cfg)
	require.NoError(t, err)
	defer grpcs.Stop()

	for origin, want := range map[string]string{
		"https://ui.example.com":    "https://ui.example.com",
		"https://other.example.com": "",
	} {
		r := httptest.NewRequest(http.MethodGet, "/cas/"+strings.Repeat("0", 64), nil)
		r.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, want, w.Header().Get("Access-Control-Allow-Origin"), "origin %s", origin)
	}
}

func TestUsageErrors(t *testing.T) {
	testCases := []struct {
		desc string
		args []string
	}{
		{desc: "zero batch size", args: []string{"--max-batch-size=0"}},
		{desc: "empty cache dir", args: []string{"--cache-dir="}},
		{desc: "positional arguments", args: []string{"extra"}},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			root := newRootCommand()
			root.SetArgs(tc.args)
			assert.Error(t, root.Execute())
		})
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("no_such_setting: true\n"), 0640))
	root := newRootCommand()
	root.SetArgs([]string{"--config=" + bad})
	assert.ErrorContains(t, root.Execute(), "unable to parse config")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("max_batch_size: -1\n"), 0640))
	root = newRootCommand()
	root.SetArgs([]string{"--config=" + invalid})
	var usage *config.UsageError
	assert.ErrorAs(t, root.Execute(), &usage)
}
