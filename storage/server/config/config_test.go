package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enfabrica/buildcache/storage/server/key"
)

func TestRegisterAndParse(t *testing.T) {
	set := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := DefaultFlags().Register(set, "")

	require.NoError(t, set.Parse([]string{"--address=:9000", "--verify-cas", "--cache-dir=/var/cache/build", "--cors-origin=https://a.example.com", "--cors-origin=https://b.example.com"}))

	config, err := FromFlags(flags)
	require.NoError(t, err)

	want := &Config{
		Address: ":9000",
		Roots: map[key.Namespace]string{
			key.ActionCache:             "/var/cache/build/ac",
			key.ContentAddressableStore: "/var/cache/build/cas",
		},
		Browse:      true,
		VerifyCAS:   true,
		MetricsPath: "/metrics",
		MaxBatch:    4 * 1024 * 1024,
		Grace:       10 * time.Second,
		CORSOrigins: []string{"https://a.example.com", "https://b.example.com"},
	}
	if diff := cmp.Diff(want, config); diff != "" {
		t.Errorf("config differs (-want +got):\n%s", diff)
	}
}

func TestPortFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "6433")
	flags := DefaultFlags()
	flags.Address = ""

	config, err := FromFlags(flags)
	require.NoError(t, err)
	assert.Equal(t, ":6433", config.Address)
}

func TestInvalidFlags(t *testing.T) {
	testCases := []struct {
		desc   string
		modify func(f *Flags)
		want   string
	}{
		{
			desc:   "no address",
			modify: func(f *Flags) { f.Address = "" },
			want:   "no address specified",
		},
		{
			desc:   "no cache dir",
			modify: func(f *Flags) { f.CacheDir = "" },
			want:   "--cache-dir",
		},
		{
			desc:   "batch size",
			modify: func(f *Flags) { f.MaxBatch = 0 },
			want:   "--max-batch-size",
		},
		{
			desc:   "negative grace",
			modify: func(f *Flags) { f.Grace = -time.Second },
			want:   "--shutdown-grace",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			t.Setenv("PORT", "")
			flags := DefaultFlags()
			tc.modify(flags)

			_, err := FromFlags(flags)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)

			var uerr *UsageError
			assert.True(t, errors.As(err, &uerr), "not a usage error: %v", err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
address: 0.0.0.0:8080
cache_dir: /srv/cache
browse: false
max_batch_size: 1024
shutdown_grace: 3s
cors_origins: ["*"]
`), 0600))

	set := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := DefaultFlags().Register(set, "")
	require.NoError(t, set.Parse([]string{"--cache-dir=/from/flags"}))

	require.NoError(t, flags.LoadFile(path, set.Changed))

	assert.Equal(t, "0.0.0.0:8080", flags.Address)
	assert.Equal(t, "/from/flags", flags.CacheDir, "flags set on the command line must win")
	assert.False(t, flags.Browse)
	assert.False(t, flags.VerifyCAS)
	assert.Equal(t, "/metrics", flags.MetricsPath, "settings missing from the file keep their default")
	assert.Equal(t, 1024, flags.MaxBatch)
	assert.Equal(t, 3*time.Second, flags.Grace)
	assert.Equal(t, []string{"*"}, flags.CORSOrigins)
}

func TestLoadFileErrors(t *testing.T) {
	flags := DefaultFlags()
	never := func(string) bool { return false }

	err := flags.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), never)
	assert.ErrorContains(t, err, "unable to read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("unknown_setting: true\n"), 0600))
	err = flags.LoadFile(path, never)
	assert.ErrorContains(t, err, "unable to parse config")
}
