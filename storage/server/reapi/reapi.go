// Package reapi serves the cache over the gRPC Remote Execution API, for
// clients configured with --remote_cache=grpc://...
//
// Blobs and action results share storage with the HTTP interface: a blob
// uploaded with one protocol can be downloaded with the other.
package reapi

import (
	"bytes"
	"context"
	"errors"
	"io"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/enfabrica/buildcache/storage/server/handler"
	"github.com/enfabrica/buildcache/storage/server/key"
)

// DefaultMaxBatchSize is the default limit on the total size of the blobs
// in a batch request.
const DefaultMaxBatchSize = 4 * 1024 * 1024

type Service struct {
	rpb.UnimplementedContentAddressableStorageServer
	rpb.UnimplementedActionCacheServer
	rpb.UnimplementedCapabilitiesServer
	bspb.UnimplementedByteStreamServer

	ac  *handler.Cache
	cas *handler.Cache

	maxBatchSize int64
}

type Modifier func(*Service)

func WithMaxBatchSize(size int64) Modifier {
	return func(s *Service) {
		if size > 0 {
			s.maxBatchSize = size
		}
	}
}

func New(ac, cas *handler.Cache, mods ...Modifier) *Service {
	s := &Service{
		ac:           ac,
		cas:          cas,
		maxBatchSize: DefaultMaxBatchSize,
	}
	for _, m := range mods {
		m(s)
	}
	return s
}

// Register registers all the services implemented on grpcs.
func (s *Service) Register(grpcs *grpc.Server) {
	rpb.RegisterContentAddressableStorageServer(grpcs, s)
	rpb.RegisterActionCacheServer(grpcs, s)
	rpb.RegisterCapabilitiesServer(grpcs, s)
	bspb.RegisterByteStreamServer(grpcs, s)
}

func (s *Service) GetCapabilities(ctx context.Context, req *rpb.GetCapabilitiesRequest) (*rpb.ServerCapabilities, error) {
	return &rpb.ServerCapabilities{
		CacheCapabilities: &rpb.CacheCapabilities{
			DigestFunctions: []rpb.DigestFunction_Value{rpb.DigestFunction_SHA256},
			ActionCacheUpdateCapabilities: &rpb.ActionCacheUpdateCapabilities{
				UpdateEnabled: true,
			},
			MaxBatchTotalSizeBytes:      s.maxBatchSize,
			SymlinkAbsolutePathStrategy: rpb.SymlinkAbsolutePathStrategy_DISALLOWED,
		},
		LowApiVersion:  &semver.SemVer{Major: 2},
		HighApiVersion: &semver.SemVer{Major: 2, Minor: 3},
	}, nil
}

func (s *Service) FindMissingBlobs(ctx context.Context, req *rpb.FindMissingBlobsRequest) (*rpb.FindMissingBlobsResponse, error) {
	if err := checkDigestFunction(req.GetDigestFunction()); err != nil {
		return nil, err
	}

	resp := &rpb.FindMissingBlobsResponse{}
	for _, d := range req.GetBlobDigests() {
		if err := checkDigest(d); err != nil {
			return nil, err
		}
		size, err := s.cas.Contains(ctx, d.GetHash())
		if err != nil && !errors.Is(err, handler.ErrNotFound) {
			return nil, toStatus(err)
		}
		if err != nil || size != d.GetSizeBytes() {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

func (s *Service) BatchUpdateBlobs(ctx context.Context, req *rpb.BatchUpdateBlobsRequest) (*rpb.BatchUpdateBlobsResponse, error) {
	if err := checkDigestFunction(req.GetDigestFunction()); err != nil {
		return nil, err
	}
	total := int64(0)
	for _, r := range req.GetRequests() {
		total += int64(len(r.GetData()))
	}
	if total > s.maxBatchSize {
		return nil, status.Errorf(codes.InvalidArgument, "batch of %d bytes exceeds the limit of %d bytes", total, s.maxBatchSize)
	}

	resp := &rpb.BatchUpdateBlobsResponse{}
	for _, r := range req.GetRequests() {
		resp.Responses = append(resp.Responses, &rpb.BatchUpdateBlobsResponse_Response{
			Digest: r.GetDigest(),
			Status: s.updateBlob(ctx, r),
		})
	}
	return resp, nil
}

func (s *Service) updateBlob(ctx context.Context, r *rpb.BatchUpdateBlobsRequest_Request) *spb.Status {
	d := r.GetDigest()
	if err := checkDigest(d); err != nil {
		return statusProto(err)
	}
	if r.GetCompressor() != rpb.Compressor_IDENTITY {
		return status.Newf(codes.InvalidArgument, "unsupported compressor %s", r.GetCompressor()).Proto()
	}
	if int64(len(r.GetData())) != d.GetSizeBytes() {
		return status.Newf(codes.InvalidArgument, "digest declares %d bytes, %d were sent", d.GetSizeBytes(), len(r.GetData())).Proto()
	}
	if _, err := s.cas.Put(ctx, d.GetHash(), bytes.NewReader(r.GetData())); err != nil {
		return statusProto(toStatus(err))
	}
	return statusProto(nil)
}

func (s *Service) BatchReadBlobs(ctx context.Context, req *rpb.BatchReadBlobsRequest) (*rpb.BatchReadBlobsResponse, error) {
	if err := checkDigestFunction(req.GetDigestFunction()); err != nil {
		return nil, err
	}
	total := int64(0)
	for _, d := range req.GetDigests() {
		total += d.GetSizeBytes()
	}
	if total > s.maxBatchSize {
		return nil, status.Errorf(codes.InvalidArgument, "batch of %d bytes exceeds the limit of %d bytes", total, s.maxBatchSize)
	}

	resp := &rpb.BatchReadBlobsResponse{}
	for _, d := range req.GetDigests() {
		data, err := s.readBlob(ctx, d)
		resp.Responses = append(resp.Responses, &rpb.BatchReadBlobsResponse_Response{
			Digest: d,
			Data:   data,
			Status: statusProto(err),
		})
	}
	return resp, nil
}

func (s *Service) readBlob(ctx context.Context, d *rpb.Digest) ([]byte, error) {
	if err := checkDigest(d); err != nil {
		return nil, err
	}
	blob, err := s.cas.Get(ctx, d.GetHash())
	if err != nil {
		return nil, toStatus(err)
	}
	defer blob.Close()
	if blob.Size != d.GetSizeBytes() {
		return nil, status.Errorf(codes.NotFound, "blob %s has %d bytes, not %d", d.GetHash(), blob.Size, d.GetSizeBytes())
	}

	data, err := io.ReadAll(blob)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading blob %s: %v", d.GetHash(), err)
	}
	return data, nil
}

func (s *Service) GetTree(req *rpb.GetTreeRequest, stream rpb.ContentAddressableStorage_GetTreeServer) error {
	return status.Error(codes.Unimplemented, "")
}

func (s *Service) GetActionResult(ctx context.Context, req *rpb.GetActionResultRequest) (*rpb.ActionResult, error) {
	d := req.GetActionDigest()
	if err := checkDigest(d); err != nil {
		return nil, err
	}
	blob, err := s.ac.Get(ctx, d.GetHash())
	if err != nil {
		return nil, toStatus(err)
	}
	defer blob.Close()

	data, err := io.ReadAll(blob)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading action result %s: %v", d.GetHash(), err)
	}
	result := &rpb.ActionResult{}
	if err := proto.Unmarshal(data, result); err != nil {
		return nil, status.Errorf(codes.Internal, "corrupted action result %s: %v", d.GetHash(), err)
	}
	return result, nil
}

func (s *Service) UpdateActionResult(ctx context.Context, req *rpb.UpdateActionResultRequest) (*rpb.ActionResult, error) {
	d := req.GetActionDigest()
	if err := checkDigest(d); err != nil {
		return nil, err
	}
	if req.GetActionResult() == nil {
		return nil, status.Error(codes.InvalidArgument, "no action result provided")
	}
	data, err := proto.Marshal(req.GetActionResult())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid action result: %v", err)
	}
	if _, err := s.ac.Put(ctx, d.GetHash(), bytes.NewReader(data)); err != nil {
		return nil, toStatus(err)
	}
	return req.GetActionResult(), nil
}

func checkDigestFunction(fn rpb.DigestFunction_Value) error {
	switch fn {
	case rpb.DigestFunction_UNKNOWN, rpb.DigestFunction_SHA256:
		return nil
	}
	return status.Errorf(codes.InvalidArgument, "unsupported digest function %s", fn)
}

func checkDigest(d *rpb.Digest) error {
	if d == nil {
		return status.Error(codes.InvalidArgument, "missing digest")
	}
	if !key.Valid(d.GetHash()) {
		return status.Errorf(codes.InvalidArgument, "invalid sha256 hash %q", d.GetHash())
	}
	if d.GetSizeBytes() < 0 {
		return status.Errorf(codes.InvalidArgument, "invalid size %d", d.GetSizeBytes())
	}
	return nil
}

// toStatus converts an error returned by a cache into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var mismatch *handler.DigestMismatchError
	var body *handler.BodyStreamError
	switch {
	case errors.Is(err, handler.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &mismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &body):
		if st, ok := status.FromError(body.Err); ok {
			return st.Err()
		}
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func statusProto(err error) *spb.Status {
	if err == nil {
		return status.New(codes.OK, "").Proto()
	}
	return status.Convert(err).Proto()
}
