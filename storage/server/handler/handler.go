// Package handler implements the per-namespace cache logic: reads, and
// uploads coalesced so that only one writer at a time stores a given id.
package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/enfabrica/buildcache/storage/server/blobstore"
	"github.com/enfabrica/buildcache/storage/server/inflight"
	"github.com/enfabrica/buildcache/storage/server/key"
)

// ErrNotFound is returned by Get and Contains on a cache miss, including
// when the id is being written.
var ErrNotFound = blobstore.ErrNotFound

// BodyStreamError indicates that reading the uploaded body failed, either
// because the client went away or because the request was cancelled.
type BodyStreamError struct {
	Err error
}

func (e *BodyStreamError) Error() string {
	return fmt.Sprintf("reading upload: %v", e.Err)
}

func (e *BodyStreamError) Unwrap() error {
	return e.Err
}

// DigestMismatchError is returned when verification is enabled and the
// uploaded bytes do not hash to the id they were uploaded under.
type DigestMismatchError struct {
	Want string
	Got  string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("uploaded content has digest %s, expected %s", e.Got, e.Want)
}

// BlobStore is the storage a Cache reads from and writes to.
type BlobStore interface {
	OpenForWrite(id string) (blobstore.Sink, error)
	OpenForRead(id string) (*blobstore.Blob, error)
	Stat(id string) (int64, error)
}

// Outcome describes what a successful Put did.
type Outcome int

const (
	// Stored means the body was written and committed.
	Stored Outcome = iota
	// Coalesced means another upload of the same id was in progress, and
	// this one was accepted without storing anything.
	Coalesced
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Coalesced:
		return "coalesced"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// DefaultChunkSize is the size of the buffer used to stream uploads to disk.
const DefaultChunkSize = 32 * 1024

// Cache serves one namespace.
//
// Its only state is the registry of ids being written, shared by all
// requests. Caches for different namespaces share nothing.
type Cache struct {
	namespace key.Namespace
	registry  *inflight.Registry
	store     BlobStore

	verify    bool
	chunkSize int
}

type Modifier func(*Cache)

// WithDigestVerification makes Put check that the sha256 of the uploaded
// bytes matches the id before committing them. Only meaningful for the
// content addressable store.
func WithDigestVerification(enabled bool) Modifier {
	return func(c *Cache) {
		c.verify = enabled
	}
}

// WithChunkSize changes the size of the chunks used to stream uploads.
func WithChunkSize(size int) Modifier {
	return func(c *Cache) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

func New(ns key.Namespace, registry *inflight.Registry, store BlobStore, mods ...Modifier) *Cache {
	c := &Cache{
		namespace: ns,
		registry:  registry,
		store:     store,
		chunkSize: DefaultChunkSize,
	}
	for _, m := range mods {
		m(c)
	}
	return c
}

func (c *Cache) Namespace() key.Namespace {
	return c.namespace
}

// InFlight returns true if an upload for id is in progress.
func (c *Cache) InFlight(id string) bool {
	return c.registry.InFlight(id)
}

// Get opens the blob stored for id.
//
// An id being uploaded is reported as ErrNotFound, even if an older
// version of the blob is stored. The caller must Close the returned blob.
func (c *Cache) Get(ctx context.Context, id string) (blob *blobstore.Blob, err error) {
	defer updateMetrics(c.namespace, "get", func() string { return readResult(err) }, time.Now())

	// Best effort: an upload starting right after this check still lets the
	// previous blob through, which is complete thanks to the atomic commit.
	if c.registry.InFlight(id) {
		return nil, ErrNotFound
	}
	blob, err = c.store.OpenForRead(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		glog.Warningf("%s: GET %s failed: %v", c.namespace, id, err)
	}
	return blob, err
}

// Contains returns the size of the blob stored for id, with the same
// semantics as Get.
func (c *Cache) Contains(ctx context.Context, id string) (size int64, err error) {
	defer updateMetrics(c.namespace, "contains", func() string { return readResult(err) }, time.Now())

	if c.registry.InFlight(id) {
		return 0, ErrNotFound
	}
	return c.store.Stat(id)
}

// Put stores the content of body under id.
//
// If another Put for the same id is in progress, Put returns Coalesced
// immediately without reading body: the upload in progress is assumed
// to store the same content.
//
// Otherwise body is streamed to storage chunk by chunk, and committed once
// fully read. On any failure, including cancellation of ctx, nothing is
// stored and the id can immediately be uploaded again.
func (c *Cache) Put(ctx context.Context, id string, body io.Reader) (outcome Outcome, err error) {
	defer updateMetrics(c.namespace, "put", func() string { return writeResult(outcome, err) }, time.Now())

	if !c.registry.TryClaim(id) {
		return Coalesced, nil
	}
	metricInFlight.WithLabelValues(c.namespace.String()).Inc()
	defer func() {
		c.registry.Release(id)
		metricInFlight.WithLabelValues(c.namespace.String()).Dec()
	}()

	written, err := c.streamAndCommit(ctx, id, body)
	if err != nil {
		glog.Warningf("%s: PUT %s failed after %d bytes: %v", c.namespace, id, written, err)
		return Stored, err
	}
	metricStoredBytes.WithLabelValues(c.namespace.String()).Add(float64(written))
	glog.V(1).Infof("%s: stored %s (%s)", c.namespace, id, humanize.IBytes(uint64(written)))
	return Stored, nil
}

// streamAndCommit writes body to a new sink for id, committing it only if
// the whole body was read and stored.
func (c *Cache) streamAndCommit(ctx context.Context, id string, body io.Reader) (int64, error) {
	sink, err := c.store.OpenForWrite(id)
	if err != nil {
		return 0, err
	}
	defer sink.Abort()

	var digest hash.Hash
	var dst io.Writer = sink
	if c.verify {
		digest = sha256.New()
		dst = io.MultiWriter(sink, digest)
	}

	written, err := c.copy(ctx, dst, body)
	if err != nil {
		return written, err
	}
	if digest != nil {
		if got := hex.EncodeToString(digest.Sum(nil)); got != id {
			return written, &DigestMismatchError{Want: id, Got: got}
		}
	}
	return written, sink.Commit()
}

// copy is io.Copy, checking for cancellation between chunks.
func (c *Cache) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buffer := make([]byte, c.chunkSize)
	written := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return written, &BodyStreamError{Err: err}
		}

		n, rerr := src.Read(buffer)
		if n > 0 {
			if _, err := dst.Write(buffer[:n]); err != nil {
				return written, err
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, &BodyStreamError{Err: rerr}
		}
	}
}
