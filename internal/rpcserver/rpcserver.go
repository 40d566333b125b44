// Package rpcserver is the simplest possible transport that exercises
// server.Service end to end: newline-delimited JSON requests on an
// io.Reader, newline-delimited JSON responses on an io.Writer. No
// framing, no auth, no streaming -- spec.md §1 places the real RPC
// transport out of scope, so this exists only so cmd/mef3server has
// something to serve.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/bnelair/brainmaze-mef3-server/internal/corelog"
	"github.com/bnelair/brainmaze-mef3-server/internal/corerr"
	"github.com/bnelair/brainmaze-mef3-server/internal/server"
)

// Request is one line of input: Op names a server.Service method,
// Args carries its JSON-encoded arguments in a method-specific shape.
type Request struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

// Response is one line of output.
type Response struct {
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorDTO   `json:"error,omitempty"`
}

// ErrorDTO carries the error Kind (spec.md §7) across the wire.
type ErrorDTO struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Server serves server.Service over a line-based JSON protocol.
type Server struct {
	svc server.Service
	log corelog.ComponentLogger
}

func New(svc server.Service, logger corelog.Logger) *Server {
	if logger == nil {
		logger = corelog.Discard
	}
	return &Server{svc: svc, log: logger.With("rpcserver")}
}

// Serve reads one Request per line from r and writes one Response per
// line to w, until r is exhausted, ctx is cancelled, or a read error
// occurs. It is single-threaded by design: concurrency in this
// reference transport would only obscure the cache/prefetch engine it
// exists to exercise.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(Response{Error: &ErrorDTO{Kind: "invalid_argument", Message: err.Error()}})
			continue
		}

		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	result, err := s.call(ctx, req)
	if err != nil {
		s.log.Warnf("op=%s failed: %v", req.Op, err)
		return Response{Error: &ErrorDTO{Kind: corerr.KindOf(err).String(), Message: err.Error()}}
	}
	return Response{Result: result}
}

func (s *Server) call(ctx context.Context, req Request) (interface{}, error) {
	switch req.Op {
	case "OpenFile":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, corerr.Wrap(err, corerr.EKind.InvalidArgument(), "decoding args")
		}
		return s.svc.OpenFile(ctx, args.Path)

	case "CloseFile":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, corerr.Wrap(err, corerr.EKind.InvalidArgument(), "decoding args")
		}
		return s.svc.CloseFile(ctx, args.Path)

	case "ListOpenFiles":
		return s.svc.ListOpenFiles(ctx)

	case "SetSignalSegmentSize":
		var args struct {
			Path    string  `json:"path"`
			Seconds float64 `json:"seconds"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, corerr.Wrap(err, corerr.EKind.InvalidArgument(), "decoding args")
		}
		return s.svc.SetSignalSegmentSize(ctx, args.Path, args.Seconds)

	case "GetNumberOfSegments":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, corerr.Wrap(err, corerr.EKind.InvalidArgument(), "decoding args")
		}
		return s.svc.GetNumberOfSegments(ctx, args.Path)

	case "SetActiveChannels":
		var args struct {
			Path  string   `json:"path"`
			Names []string `json:"names"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, corerr.Wrap(err, corerr.EKind.InvalidArgument(), "decoding args")
		}
		return s.svc.SetActiveChannels(ctx, args.Path, args.Names)

	case "GetSignalSegment":
		var args struct {
			Path     string `json:"path"`
			ChunkIdx int    `json:"chunk_idx"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, corerr.Wrap(err, corerr.EKind.InvalidArgument(), "decoding args")
		}
		return s.svc.GetSignalSegment(ctx, args.Path, args.ChunkIdx)

	default:
		return nil, corerr.Newf(corerr.EKind.InvalidArgument(), "unknown op %q", req.Op)
	}
}
