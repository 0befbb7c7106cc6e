package grpcprojfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/rfratto/projfs/internal/projfs"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const contentTypeKey = "x-projfs-content-type"

// Request carries one event from the daemon to a remote handler.
type Request struct {
	ID      uint64 `msgpack:"id"`
	Kind    string `msgpack:"kind"`
	Path    string `msgpack:"path"`
	Target  string `msgpack:"target,omitempty"`
	IsDir   bool   `msgpack:"is_dir,omitempty"`
	PID     uint32 `msgpack:"pid,omitempty"`
	Process string `msgpack:"process,omitempty"`
}

// Event converts r into an Event.
func (r *Request) Event() *projfs.Event {
	return &projfs.Event{
		Kind:     projfs.Kind(r.Kind),
		Path:     projfs.CleanPath(r.Path),
		Category: projfs.CategoryOf(projfs.Kind(r.Kind)),
		IsDir:    r.IsDir,
		Caller:   projfs.Caller{PID: r.PID, Name: r.Process},
		Target:   r.Target,
	}
}

// Response answers a Request. Error is 0 for ok, otherwise a negative
// errno.
type Response struct {
	ID    uint64 `msgpack:"id"`
	Error int32  `msgpack:"error,omitempty"`
}

// Codec encodes messages into the envelopes sent over the Events stream.
type Codec interface {
	Name() string

	EncodeRequest(*Request) (*wrapperspb.BytesValue, error)
	DecodeRequest(*wrapperspb.BytesValue) (*Request, error)
	EncodeResponse(*Response) (*wrapperspb.BytesValue, error)
	DecodeResponse(*wrapperspb.BytesValue) (*Response, error)
}

// GetCodec retrieves a Codec from a gRPC request context. If there was no
// codec, the default codec is used.
func GetCodec(ctx context.Context) (Codec, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return MsgpackCodec(), nil
	}

	negotiated := md.Get(contentTypeKey)
	if len(negotiated) == 0 {
		return MsgpackCodec(), nil
	}
	for _, v := range negotiated {
		switch v {
		case "msgpack":
			return MsgpackCodec(), nil
		}
	}

	return nil, fmt.Errorf("no valid codecs within %q. supported codecs: msgpack", strings.Join(negotiated, ","))
}

// WithCodec injects a Codec into an outgoing gRPC request context.
func WithCodec(ctx context.Context, c Codec) context.Context {
	return metadata.AppendToOutgoingContext(ctx, contentTypeKey, c.Name())
}

// MsgpackCodec returns a Codec using msgpack.
func MsgpackCodec() Codec { return msgpackCodec{} }

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) EncodeRequest(r *Request) (*wrapperspb.BytesValue, error) {
	bb, err := msgpack.Marshal(r)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(bb), nil
}

func (msgpackCodec) DecodeRequest(in *wrapperspb.BytesValue) (*Request, error) {
	var r Request
	if err := msgpack.Unmarshal(in.GetValue(), &r); err != nil {
		return nil, err
	}
	if !projfs.Kind(r.Kind).Valid() {
		return nil, fmt.Errorf("request %d has unknown event kind %q", r.ID, r.Kind)
	}
	return &r, nil
}

func (msgpackCodec) EncodeResponse(r *Response) (*wrapperspb.BytesValue, error) {
	bb, err := msgpack.Marshal(r)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(bb), nil
}

func (msgpackCodec) DecodeResponse(in *wrapperspb.BytesValue) (*Response, error) {
	var r Response
	if err := msgpack.Unmarshal(in.GetValue(), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
