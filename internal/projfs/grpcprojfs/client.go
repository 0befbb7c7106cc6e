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
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Serve registers h as the remote handler of the daemon reachable through
// cc. Events are handled concurrently. The context passed to h is canceled
// when Serve returns.
//
// Serve returns nil when ctx is canceled or the daemon closes the stream.
func Serve(ctx context.Context, l log.Logger, cc grpc.ClientConnInterface, h dispatch.Handler) error {
	if l == nil {
		l = log.NewNopLogger()
	}
	codec := MsgpackCodec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := NewHandlerClient(cc).Events(WithCodec(ctx, codec))
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}

	c := &clientSession{
		log:     l,
		stream:  stream,
		codec:   codec,
		handler: h,
	}
	defer c.wg.Wait()
	return c.run(ctx)
}

type clientSession struct {
	log     log.Logger
	stream  Handler_EventsClient
	codec   Codec
	handler dispatch.Handler

	wg      sync.WaitGroup
	sendMut sync.Mutex
}

func (c *clientSession) run(ctx context.Context) error {
	for {
		raw, err := c.stream.Recv()
		if s, ok := status.FromError(err); ok && s.Code() == codes.Canceled {
			return nil
		} else if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		req, err := c.codec.DecodeRequest(raw)
		if err != nil {
			level.Warn(c.log).Log("msg", "failed to decode request", "err", err)
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(ctx, req)
		}()
	}
}

func (c *clientSession) handle(ctx context.Context, req *Request) {
	ev := req.Event()
	resp := &Response{ID: req.ID}
	if err := dispatch.Invoke(ctx, c.handler, ev); err != nil {
		resp.Error = int32(projfs.ErrorFor(err))
	}

	raw, err := c.codec.EncodeResponse(resp)
	if err != nil {
		level.Error(c.log).Log("msg", "failed to encode response", "id", req.ID, "err", err)
		return
	}
	if err := c.send(raw); err != nil {
		level.Warn(c.log).Log("msg", "failed to send response", "id", req.ID, "err", err)
	}
}

func (c *clientSession) send(raw *wrapperspb.BytesValue) error {
	c.sendMut.Lock()
	defer c.sendMut.Unlock()
	return c.stream.Send(raw)
}

// ResetProjection asks the daemon reachable through cc to clear the
// projection flag of dir.
func ResetProjection(ctx context.Context, cc grpc.ClientConnInterface, dir string) error {
	_, err := NewHandlerClient(cc).ResetProjection(ctx, wrapperspb.String(dir))
	return err
}
