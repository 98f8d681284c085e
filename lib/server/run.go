package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// Options control how Serve stops.
type Options struct {
	// How long to wait for requests in progress to complete once the
	// context is done, before closing all connections.
	Grace time.Duration
}

// Run listens on addr and calls Serve.
func Run(ctx context.Context, addr string, mux http.Handler, grpcs *grpc.Server, opts Options) error {
	if addr == "" {
		return errors.New("no address to listen on")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	glog.Infof("Listening on %s - will be available at http://%s/", addr, listener.Addr())
	return Serve(ctx, listener, mux, grpcs, opts)
}

// Serve runs the specified HTTP handler and gRPC server on listener, until
// ctx is done or one of them fails. If no HTTP mux or gRPC server is
// provided (is nil), one with default routes/services will be started.
//
// Serve takes ownership of listener, which is closed when Serve returns.
func Serve(ctx context.Context, listener net.Listener, mux http.Handler, grpcs *grpc.Server, opts Options) error {
	if mux == nil {
		mux = http.NewServeMux()
	}
	if grpcs == nil {
		grpcs = grpc.NewServer()
	}
	reflection.Register(grpcs)

	cml := cmux.New(listener)
	grpcl := cml.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpl := cml.Match(cmux.Any())

	https := &http.Server{Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreClosed(grpcs.Serve(grpcl))
	})
	g.Go(func() error {
		return ignoreClosed(https.Serve(httpl))
	})
	g.Go(func() error {
		return ignoreClosed(cml.Serve())
	})
	g.Go(func() error {
		<-ctx.Done()
		glog.Infof("Shutting down, waiting up to %s for requests in progress", opts.Grace)

		sctx, cancel := context.WithTimeout(context.Background(), opts.Grace)
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			grpcs.GracefulStop()
			close(stopped)
		}()
		herr := https.Shutdown(sctx)
		select {
		case <-stopped:
		case <-sctx.Done():
			grpcs.Stop()
			<-stopped
		}
		listener.Close()
		if errors.Is(herr, context.DeadlineExceeded) {
			https.Close()
			return nil
		}
		return ignoreClosed(herr)
	})
	return g.Wait()
}

func ignoreClosed(err error) error {
	switch {
	case err == nil:
	case errors.Is(err, http.ErrServerClosed):
	case errors.Is(err, cmux.ErrListenerClosed):
	case errors.Is(err, net.ErrClosed):
	case errors.Is(err, grpc.ErrServerStopped):
	default:
		return err
	}
	return nil
}
