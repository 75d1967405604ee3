// Package rpcserver is the daemon's TCP transport: it accepts concurrent
// worker connections, assigns each a stable connection id used as the
// Coordinator's session key, and serializes calls within one connection by
// construction (one goroutine per connection reads and dispatches in a
// loop), matching rpclib's single-outstanding-call-per-session guarantee
// referenced in spec §4.4.
package rpcserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"mediarchiver/internal/coordinator"
	"mediarchiver/internal/rpcproto"
	"mediarchiver/internal/wire"
)

// Server binds the RPC method table to a Coordinator and serves it over a
// TCP listener.
type Server struct {
	coord  *coordinator.Coordinator
	logger *log.Logger

	nextConnID atomic.Uint64
	wg         sync.WaitGroup
}

// New creates a Server dispatching to coord.
func New(coord *coordinator.Coordinator, logger *log.Logger) *Server {
	return &Server{coord: coord, logger: logger}
}

// Serve binds addr and accepts connections until ctx is cancelled. It
// returns once the listener is closed and blocks callers wanting to wait
// for in-flight connections should call Wait afterward.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpcserver: listen %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rpcserver: accept: %w", err)
		}
		connID := s.nextConnID.Add(1)
		s.wg.Add(1)
		go s.handleConn(ctx, connID, conn)
	}
}

// Wait blocks until every accepted connection's handler goroutine has
// returned, i.e. the listener is closed and all in-flight calls finished.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) handleConn(ctx context.Context, connID uint64, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	// On shutdown, close the connection so the pending ReadFrame returns and
	// the handler exits once its current call is done.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := bufio.NewReader(conn)
	for {
		tag, payload, err := wire.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Printf("rpcserver: conn %d read: %v", connID, err)
			}
			return
		}
		if tag != wire.TagCall {
			s.logger.Printf("rpcserver: conn %d: unexpected frame tag %d", connID, tag)
			continue
		}

		d := wire.NewDecoder(payload)
		method, err := d.String()
		if err != nil {
			s.writeError(conn, connID, fmt.Errorf("rpcserver: decode method: %w", err))
			continue
		}

		reply, err := s.dispatch(ctx, connID, method, d)
		if err != nil {
			s.writeError(conn, connID, err)
			continue
		}
		if err := wire.WriteFrame(conn, wire.TagReply, reply); err != nil {
			s.logger.Printf("rpcserver: conn %d write reply: %v", connID, err)
			return
		}
	}
}

func (s *Server) writeError(conn net.Conn, connID uint64, callErr error) {
	e := wire.NewEncoder()
	e.String(callErr.Error())
	if err := wire.WriteFrame(conn, wire.TagError, e.Bytes()); err != nil {
		s.logger.Printf("rpcserver: conn %d write error frame: %v", connID, err)
	}
}

// dispatch decodes body as the argument shape named by method, calls the
// matching Coordinator operation, and encodes its result. body has already
// had the method name consumed.
func (s *Server) dispatch(ctx context.Context, connID uint64, method string, body *wire.Decoder) ([]byte, error) {
	switch method {
	case rpcproto.MethodGetVersion:
		e := wire.NewEncoder()
		e.Uint(uint64(rpcproto.ProtocolVersion))
		return e.Bytes(), nil

	case rpcproto.MethodAuthenticate:
		token, err := body.String()
		if err != nil {
			return nil, fmt.Errorf("rpcserver: decode authenticate args: %w", err)
		}
		s.coord.Authenticate(connID, token)
		return nil, nil

	case rpcproto.MethodReset:
		if err := s.coord.Reset(connID); err != nil {
			return nil, err
		}
		return nil, nil

	case rpcproto.MethodAbort:
		if err := s.coord.Abort(ctx, connID); err != nil {
			return nil, err
		}
		return nil, nil

	case rpcproto.MethodGetNextFile:
		filter, err := rpcproto.DecodeMediaFileRequirements(body)
		if err != nil {
			return nil, fmt.Errorf("rpcserver: decode getNextFile args: %w", err)
		}
		settings, err := s.coord.GetNextFile(ctx, connID, filter)
		if err != nil {
			return nil, err
		}
		e := wire.NewEncoder()
		settings.Encode(e)
		return e.Bytes(), nil

	case rpcproto.MethodReadChunk:
		hasMore, data, err := s.coord.ReadChunk(connID)
		if err != nil {
			return nil, err
		}
		e := wire.NewEncoder()
		e.ArrayHeader(2)
		e.Bool(hasMore)
		e.Bytes_(data)
		return e.Bytes(), nil

	case rpcproto.MethodPostFile:
		result, err := rpcproto.DecodeEncodingResultInfo(body)
		if err != nil {
			return nil, fmt.Errorf("rpcserver: decode postFile args: %w", err)
		}
		if err := s.coord.PostFile(ctx, connID, result); err != nil {
			return nil, err
		}
		return nil, nil

	case rpcproto.MethodWriteChunk:
		data, err := body.Bytes()
		if err != nil {
			return nil, fmt.Errorf("rpcserver: decode writeChunk args: %w", err)
		}
		more, err := s.coord.WriteChunk(ctx, connID, data)
		if err != nil {
			return nil, err
		}
		e := wire.NewEncoder()
		e.Bool(more)
		return e.Bytes(), nil

	default:
		return nil, fmt.Errorf("rpcserver: unknown method %q", method)
	}
}
