package reapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// readChunkSize is the size of the messages sent by Read.
const readChunkSize = 64 * 1024

// parseResourceName extracts the digest from a ByteStream resource name.
//
// Downloads use "[{instance}/]blobs/{hash}/{size}", uploads
// "[{instance}/]uploads/{uuid}/blobs/{hash}/{size}[/{metadata}]".
func parseResourceName(name string, upload bool) (*rpb.Digest, error) {
	parts := strings.Split(name, "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] != "blobs" {
			continue
		}
		if upload && (i < 2 || parts[i-2] != "uploads") {
			break
		}
		if !upload && i+3 != len(parts) {
			break
		}
		size, err := strconv.ParseInt(parts[i+2], 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid size in resource name %q", name)
		}
		d := &rpb.Digest{Hash: parts[i+1], SizeBytes: size}
		if err := checkDigest(d); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, status.Errorf(codes.InvalidArgument, "invalid resource name %q", name)
}

func (s *Service) Read(req *bspb.ReadRequest, stream bspb.ByteStream_ReadServer) error {
	d, err := parseResourceName(req.GetResourceName(), false)
	if err != nil {
		return err
	}
	if req.GetReadOffset() < 0 || req.GetReadLimit() < 0 {
		return status.Errorf(codes.InvalidArgument, "negative read offset or limit")
	}

	blob, err := s.cas.Get(stream.Context(), d.GetHash())
	if err != nil {
		return toStatus(err)
	}
	defer blob.Close()
	if req.GetReadOffset() > blob.Size {
		return status.Errorf(codes.OutOfRange, "read offset %d past the end of a %d bytes blob", req.GetReadOffset(), blob.Size)
	}
	if _, err := io.CopyN(io.Discard, blob, req.GetReadOffset()); err != nil {
		return status.Errorf(codes.Internal, "seeking blob %s: %v", d.GetHash(), err)
	}

	var r io.Reader = blob
	if req.GetReadLimit() > 0 {
		r = io.LimitReader(blob, req.GetReadLimit())
	}
	buffer := make([]byte, readChunkSize)
	for {
		n, err := io.ReadFull(r, buffer)
		if n > 0 {
			if serr := stream.Send(&bspb.ReadResponse{Data: buffer[:n]}); serr != nil {
				return serr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Internal, "reading blob %s: %v", d.GetHash(), err)
		}
	}
}

func (s *Service) Write(stream bspb.ByteStream_WriteServer) error {
	first, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			return status.Error(codes.InvalidArgument, "empty write stream")
		}
		return err
	}
	d, err := parseResourceName(first.GetResourceName(), true)
	if err != nil {
		return err
	}
	if first.GetWriteOffset() != 0 {
		return status.Errorf(codes.InvalidArgument, "resuming uploads is not supported, got offset %d", first.GetWriteOffset())
	}

	body := &writeReader{
		stream:   stream,
		expected: d.GetSizeBytes(),
		pending:  first.GetData(),
		finished: first.GetFinishWrite(),
	}
	if _, err := s.cas.Put(stream.Context(), d.GetHash(), body); err != nil {
		return toStatus(err)
	}
	// When coalesced with another upload, the content is assumed to be the
	// one being written, and the upload is reported as complete.
	return stream.SendAndClose(&bspb.WriteResponse{CommittedSize: d.GetSizeBytes()})
}

func (s *Service) QueryWriteStatus(ctx context.Context, req *bspb.QueryWriteStatusRequest) (*bspb.QueryWriteStatusResponse, error) {
	d, err := parseResourceName(req.GetResourceName(), true)
	if err != nil {
		return nil, err
	}
	size, err := s.cas.Contains(ctx, d.GetHash())
	if err != nil {
		return nil, toStatus(err)
	}
	return &bspb.QueryWriteStatusResponse{CommittedSize: size, Complete: true}, nil
}

// writeReader turns the messages of a Write stream into an io.Reader.
//
// It returns io.EOF only once a message with finish_write set has been
// consumed and exactly the expected number of bytes was received.
type writeReader struct {
	stream   bspb.ByteStream_WriteServer
	expected int64
	received int64
	pending  []byte
	finished bool
}

func (r *writeReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.finished {
			if r.received != r.expected {
				return 0, fmt.Errorf("received %d bytes, digest declares %d", r.received, r.expected)
			}
			return 0, io.EOF
		}

		req, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			return 0, status.Error(codes.InvalidArgument, "write stream closed before finish_write")
		}
		if err != nil {
			return 0, err
		}
		if req.GetWriteOffset() != r.received {
			return 0, fmt.Errorf("write at offset %d, expected %d", req.GetWriteOffset(), r.received)
		}
		r.pending = req.GetData()
		r.finished = req.GetFinishWrite()
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	r.received += int64(n)
	if r.received > r.expected {
		return n, fmt.Errorf("received more than the %d bytes declared by the digest", r.expected)
	}
	return n, nil
}
