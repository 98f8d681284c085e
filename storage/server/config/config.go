// Package config holds the settings of the cache server, populated from
// command line flags and, optionally, a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/enfabrica/buildcache/storage/server/key"
)

// FlagSet is the subset of a pflag.FlagSet used to register flags.
type FlagSet interface {
	BoolVar(p *bool, name string, value bool, usage string)
	DurationVar(p *time.Duration, name string, value time.Duration, usage string)
	StringVar(p *string, name string, value string, usage string)
	IntVar(p *int, name string, value int, usage string)
	StringSliceVar(p *[]string, name string, value []string, usage string)
}

// UsageError indicates a problem caused by incorrect flags, for which the
// help screen should be printed.
type UsageError struct {
	error
}

func (ue *UsageError) Unwrap() error {
	return ue.error
}

func NewUsageErrorf(f string, args ...interface{}) *UsageError {
	return &UsageError{error: fmt.Errorf(f, args...)}
}

type Flags struct {
	ConfigFile string `yaml:"-"`

	Address     string        `yaml:"address"`
	CacheDir    string        `yaml:"cache_dir"`
	Browse      bool          `yaml:"browse"`
	VerifyCAS   bool          `yaml:"verify_cas"`
	MetricsPath string        `yaml:"metrics_path"`
	MaxBatch    int           `yaml:"max_batch_size"`
	Grace       time.Duration `yaml:"shutdown_grace"`
	CORSOrigins []string      `yaml:"cors_origins"`
}

func DefaultFlags() *Flags {
	return &Flags{
		Address:     "127.0.0.1:8080",
		CacheDir:    "cache",
		Browse:      true,
		MetricsPath: "/metrics",
		MaxBatch:    4 * 1024 * 1024,
		Grace:       10 * time.Second,
	}
}

func (f *Flags) Register(set FlagSet, prefix string) *Flags {
	set.StringVar(&f.ConfigFile, prefix+"config", f.ConfigFile, "YAML file with default values for the flags not set on the command line")
	set.StringVar(&f.Address, prefix+"address", f.Address, "Address to listen on for both HTTP and gRPC requests. If empty, the PORT environment variable is used")
	set.StringVar(&f.CacheDir, prefix+"cache-dir", f.CacheDir, "Directory where to store blobs, one subdirectory per namespace")
	set.BoolVar(&f.Browse, prefix+"browse", f.Browse, "Allow listing the content of the cache directories over HTTP")
	set.BoolVar(&f.VerifyCAS, prefix+"verify-cas", f.VerifyCAS, "Reject uploads to the CAS whose sha256 does not match the key they are uploaded under")
	set.StringVar(&f.MetricsPath, prefix+"metrics-path", f.MetricsPath, "HTTP path where to export prometheus metrics. Empty disables the export")
	set.IntVar(&f.MaxBatch, prefix+"max-batch-size", f.MaxBatch, "Maximum total size in bytes of a remote execution API batch request")
	set.DurationVar(&f.Grace, prefix+"shutdown-grace", f.Grace, "How long to wait for requests in progress to complete on shutdown")
	set.StringSliceVar(&f.CORSOrigins, prefix+"cors-origin", f.CORSOrigins, "Origins allowed to access the HTTP interface from a browser. Can be repeated, * allows any origin")
	return f
}

// LoadFile reads the YAML file at path into f.
//
// Only the settings for which changed returns false are overridden, so
// that flags explicitly set on the command line take precedence.
func (f *Flags) LoadFile(path string, changed func(name string) bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("unable to read config %q: %w", path, err)
	}

	loaded := *f
	if err := yaml.UnmarshalStrict(data, &loaded); err != nil {
		return fmt.Errorf("unable to parse config %q: %w", path, err)
	}

	apply := func(name string, fn func()) {
		if !changed(name) {
			fn()
		}
	}
	apply("address", func() { f.Address = loaded.Address })
	apply("cache-dir", func() { f.CacheDir = loaded.CacheDir })
	apply("browse", func() { f.Browse = loaded.Browse })
	apply("verify-cas", func() { f.VerifyCAS = loaded.VerifyCAS })
	apply("metrics-path", func() { f.MetricsPath = loaded.MetricsPath })
	apply("max-batch-size", func() { f.MaxBatch = loaded.MaxBatch })
	apply("shutdown-grace", func() { f.Grace = loaded.Grace })
	apply("cors-origin", func() { f.CORSOrigins = loaded.CORSOrigins })
	return nil
}

// Config is the validated configuration of the server.
type Config struct {
	Address     string
	Roots       map[key.Namespace]string
	Browse      bool
	VerifyCAS   bool
	MetricsPath string
	MaxBatch    int64
	Grace       time.Duration
	CORSOrigins []string
}

func FromFlags(flags *Flags) (*Config, error) {
	address := flags.Address
	if address == "" {
		port := os.Getenv("PORT")
		if port == "" {
			return nil, NewUsageErrorf("no address specified - use --address or set the PORT environment variable")
		}
		address = ":" + port
	}
	if flags.CacheDir == "" {
		return nil, NewUsageErrorf("--cache-dir cannot be empty")
	}
	if flags.MaxBatch <= 0 {
		return nil, NewUsageErrorf("--max-batch-size must be positive, got %d", flags.MaxBatch)
	}
	if flags.Grace < 0 {
		return nil, NewUsageErrorf("--shutdown-grace cannot be negative, got %s", flags.Grace)
	}

	roots := map[key.Namespace]string{}
	for _, ns := range key.Namespaces {
		roots[ns] = filepath.Join(flags.CacheDir, ns.String())
	}

	return &Config{
		Address:     address,
		Roots:       roots,
		Browse:      flags.Browse,
		VerifyCAS:   flags.VerifyCAS,
		MetricsPath: flags.MetricsPath,
		MaxBatch:    int64(flags.MaxBatch),
		Grace:       flags.Grace,
		CORSOrigins: flags.CORSOrigins,
	}, nil
}
