// Package grpcprojfs lets a remote process act as the event handler of a
// projected filesystem over gRPC.
package grpcprojfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/projfs/internal/projfs"
	"github.com/rfratto/projfs/internal/projfs/dispatch"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// StreamHandler is a dispatch.Handler which forwards events over an Events
// server stream and waits for the remote handler's responses.
type StreamHandler struct {
	log     log.Logger
	sendMut sync.Mutex
	stream  Handler_EventsServer
	codec   Codec
	closed  chan struct{}

	reqID    atomic.Uint64
	inflight sync.Map // uint64 -> chan<- *Response
}

var (
	_ dispatch.Handler = (*StreamHandler)(nil)
	_ io.Closer        = (*StreamHandler)(nil)
)

// NewStreamHandler starts reading responses from stream. Call Wait to
// block until the stream ends.
func NewStreamHandler(l log.Logger, stream Handler_EventsServer, codec Codec) *StreamHandler {
	if l == nil {
		l = log.NewNopLogger()
	}
	sh := &StreamHandler{
		log:    l,
		stream: stream,
		codec:  codec,
		closed: make(chan struct{}),
	}
	go sh.run()
	return sh
}

// Wait blocks until the remote side closes the stream.
func (sh *StreamHandler) Wait() { <-sh.closed }

// Close is a no-op; the stream is owned by the gRPC server and ends when the
// Events call returns.
func (sh *StreamHandler) Close() error { return nil }

// run reads responses from the underlying stream and forwards them to
// blocked events.
func (sh *StreamHandler) run() {
	defer close(sh.closed)
	defer level.Debug(sh.log).Log("msg", "stream handler exiting")

	for {
		raw, err := sh.stream.Recv()
		if s, ok := status.FromError(err); ok && s.Code() == codes.Canceled {
			return
		} else if errors.Is(err, io.EOF) {
			return
		} else if err != nil {
			level.Error(sh.log).Log("msg", "read error from gRPC stream", "err", err)
			return
		}

		resp, err := sh.codec.DecodeResponse(raw)
		if err != nil {
			level.Error(sh.log).Log("msg", "failed to decode response from gRPC stream", "err", err)
			continue
		}

		val, found := sh.inflight.LoadAndDelete(resp.ID)
		if !found {
			level.Warn(sh.log).Log("msg", "got response that doesn't match up to a request", "id", resp.ID)
			continue
		}
		val.(chan<- *Response) <- resp
	}
}

// handle forwards ev and waits for its response. The call is not canceled
// with ctx; it ends with the response or when the stream closes.
func (sh *StreamHandler) handle(_ context.Context, ev *projfs.Event) error {
	req := &Request{
		ID:      sh.reqID.Inc(),
		Kind:    string(ev.Kind),
		Path:    ev.Path,
		Target:  ev.Target,
		IsDir:   ev.IsDir,
		PID:     ev.Caller.PID,
		Process: ev.Caller.Name,
	}
	raw, err := sh.codec.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	// Buffered so the reading goroutine can write even after we exit.
	respCh := make(chan *Response, 1)
	sh.inflight.Store(req.ID, (chan<- *Response)(respCh))
	defer sh.inflight.Delete(req.ID)

	if err := sh.send(raw); err != nil {
		return fmt.Errorf("failed to send request: %v: %w", err, projfs.ErrorUnavailable)
	}

	select {
	case resp := <-respCh:
		if resp.Error != 0 {
			return projfs.Error(resp.Error)
		}
		return nil

	case <-sh.closed:
		return projfs.ErrorAborted
	}
}

func (sh *StreamHandler) send(raw *wrapperspb.BytesValue) error {
	sh.sendMut.Lock()
	defer sh.sendMut.Unlock()
	return sh.stream.Send(raw)
}

func (sh *StreamHandler) CreateFile(ctx context.Context, ev *projfs.Event) error {
	return sh.handle(ctx, ev)
}

func (sh *StreamHandler) CreateDir(ctx context.Context, ev *projfs.Event) error {
	return sh.handle(ctx, ev)
}

func (sh *StreamHandler) DeleteFile(ctx context.Context, ev *projfs.Event) error {
	return sh.handle(ctx, ev)
}

func (sh *StreamHandler) DeleteDir(ctx context.Context, ev *projfs.Event) error {
	return sh.handle(ctx, ev)
}

func (sh *StreamHandler) PopulateDir(ctx context.Context, ev *projfs.Event) error {
	return sh.handle(ctx, ev)
}

func (sh *StreamHandler) Rename(ctx context.Context, ev *projfs.Event) error {
	return sh.handle(ctx, ev)
}

// Resetter clears the projection flag of a directory.
type Resetter interface {
	ResetProjection(ctx context.Context, dir string) error
}

// Service implements HandlerServer. A connected remote handler is
// installed into Lazy for as long as its Events stream is open.
type Service struct {
	UnimplementedHandlerServer

	log      log.Logger
	lazy     *dispatch.LazyHandler
	resetter Resetter
	set      atomic.Bool
}

// NewService creates a Service. resetter may be nil, in which case
// ResetProjection is unimplemented.
func NewService(l log.Logger, lazy *dispatch.LazyHandler, resetter Resetter) *Service {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &Service{log: l, lazy: lazy, resetter: resetter}
}

// Events registers the caller as the remote handler until the stream
// closes. Only one remote handler may be registered at a time.
func (s *Service) Events(stream Handler_EventsServer) error {
	if !s.set.CAS(false, true) {
		return status.Errorf(codes.AlreadyExists, "remote handler already registered")
	}
	defer s.set.Store(false)

	codec, err := GetCodec(stream.Context())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to negotiate codec: %s", err)
	}

	session := uuid.NewV4().String()
	l := log.With(s.log, "session", session)

	sh := NewStreamHandler(l, stream, codec)
	if err := s.lazy.SetHandler(sh); err != nil {
		return status.Errorf(codes.Unavailable, "%s", err)
	}
	defer func() {
		if err := s.lazy.SetHandler(nil); err != nil {
			level.Debug(l).Log("msg", "failed to unregister remote handler", "err", err)
		}
	}()

	level.Info(l).Log("msg", "remote handler connected")
	defer level.Info(l).Log("msg", "remote handler disconnected")
	sh.Wait()
	return nil
}

// ResetProjection clears the projection flag of a directory.
func (s *Service) ResetProjection(ctx context.Context, dir *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if s.resetter == nil {
		return s.UnimplementedHandlerServer.ResetProjection(ctx, dir)
	}
	if err := s.resetter.ResetProjection(ctx, dir.GetValue()); err != nil {
		return nil, statusFromError(err)
	}
	return &emptypb.Empty{}, nil
}

func statusFromError(err error) error {
	switch projfs.ErrorFor(err) {
	case projfs.ErrorNotExist:
		return status.Error(codes.NotFound, err.Error())
	case projfs.ErrorUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	case projfs.ErrorInterrupted:
		return status.Error(codes.Canceled, err.Error())
	case projfs.ErrorTimedOut:
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
