// buildcache is a remote cache for build tools like bazel.
//
// Blobs are served over HTTP under /ac/ and /cas/, and over the gRPC remote
// execution API, both on the same port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/enfabrica/buildcache/lib/server"
	"github.com/enfabrica/buildcache/storage/server/blobstore"
	"github.com/enfabrica/buildcache/storage/server/config"
	"github.com/enfabrica/buildcache/storage/server/handler"
	"github.com/enfabrica/buildcache/storage/server/inflight"
	"github.com/enfabrica/buildcache/storage/server/key"
	"github.com/enfabrica/buildcache/storage/server/reapi"
	"github.com/enfabrica/buildcache/storage/server/router"
)

func newRootCommand() *cobra.Command {
	flags := config.DefaultFlags()

	root := &cobra.Command{
		Use:   "buildcache [flags]",
		Short: "Serves a remote build cache over HTTP and gRPC",
		Long: `buildcache stores build outputs for tools like bazel.

HTTP clients can GET, HEAD and PUT blobs at /ac/<sha256> and /cas/<sha256>.
gRPC clients can use the remote execution API on the same address.`,
		Example: `  $ buildcache --address=:8080 --cache-dir=/var/cache/buildcache

    Then, with bazel, use either:
      --remote_cache=http://localhost:8080
      --remote_cache=grpc://localhost:8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
	}

	flags.Register(root.Flags(), "")
	root.Flags().AddGoFlagSet(flag.CommandLine)

	root.RunE = func(cmd *cobra.Command, args []string) error {
		if flags.ConfigFile != "" {
			if err := flags.LoadFile(flags.ConfigFile, cmd.Flags().Changed); err != nil {
				return err
			}
		}
		cfg, err := config.FromFlags(flags)
		if err != nil {
			return err
		}

		mux, grpcs, err := setup(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.Run(ctx, cfg.Address, mux, grpcs, server.Options{Grace: cfg.Grace})
	}
	return root
}

// setup creates the storage of each namespace, and the HTTP and gRPC
// front-ends serving it.
func setup(cfg *config.Config) (http.Handler, *grpc.Server, error) {
	caches := map[key.Namespace]*handler.Cache{}
	var ordered []*handler.Cache
	var mods []router.Modifier
	for _, ns := range key.Namespaces {
		root := cfg.Roots[ns]
		store, err := blobstore.New(root)
		if err != nil {
			return nil, nil, err
		}
		purged, err := store.PurgeStaging()
		if err != nil {
			return nil, nil, fmt.Errorf("cleaning up %s: %w", root, err)
		}
		if purged > 0 {
			glog.Infof("%s: removed %d incomplete uploads from %s", ns, purged, root)
		}

		c := handler.New(ns, inflight.New(), store,
			handler.WithDigestVerification(cfg.VerifyCAS && ns == key.ContentAddressableStore))
		caches[ns] = c
		ordered = append(ordered, c)
		if cfg.Browse {
			mods = append(mods, router.WithBrowsing(ns, os.DirFS(root)))
		}
	}

	mux := router.New(ordered, mods...)
	if cfg.MetricsPath != "" {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	var h http.Handler = mux
	if len(cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPut},
		}).Handler(mux)
	}

	// Leave room for the envelope of a batch request.
	grpcs := grpc.NewServer(grpc.MaxRecvMsgSize(int(cfg.MaxBatch) + 1024*1024))
	reapi.New(caches[key.ActionCache], caches[key.ContentAddressableStore],
		reapi.WithMaxBatchSize(cfg.MaxBatch)).Register(grpcs)

	grpc_health_v1.RegisterHealthServer(grpcs, health.NewServer())
	return h, grpcs, nil
}

func main() {
	// Missing .env is fine.
	_ = godotenv.Load(".env")

	root := newRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		var usage *config.UsageError
		if errors.As(err, &usage) {
			root.Usage()
		}
		glog.Exitf("%v", err)
	}
}
