package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/pipeline-cache/assetcache"
	"github.com/pipeline-cache/assetcache/engine"
)

// Server serves put/get/info requests over accepted connections by
// dispatching to an engine.Engine. Each connection carries exactly one
// request/response exchange, matching the teacher's one-shot framed-blob
// style rather than a multiplexed session protocol.
type Server struct {
	engine engine.Engine
	logger *slog.Logger
}

// NewServer builds a Server dispatching requests to e.
func NewServer(e engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: e, logger: logger}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// Each connection is handled in its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req requestHeader
	if err := readFrameHeader(conn, &req); err != nil {
		s.logger.Warn("discarding malformed request frame", "error", err, "remote", conn.RemoteAddr())
		return
	}

	switch req.Op {
	case opPut:
		s.handlePut(ctx, conn, req)
	case opGet:
		s.handleGet(ctx, conn, req)
	case opInfo:
		s.handleInfo(ctx, conn, req)
	default:
		s.writeError(conn, fmt.Errorf("%w: unknown op %q", assetcache.ErrInvalidArgument, req.Op))
	}
}

func (s *Server) handlePut(ctx context.Context, conn net.Conn, req requestHeader) {
	guid, hash, err := parseKey(req.GUID, req.Hash)
	if err != nil {
		s.writeError(conn, err)
		return
	}

	trx, err := s.engine.CreatePutTransaction(guid, hash)
	if err != nil {
		s.writeError(conn, err)
		return
	}

	for _, f := range req.Files {
		w, err := trx.GetWriteStream(f.Kind, f.Size)
		if err != nil {
			trx.Invalidate()
			_ = trx.Close()
			s.writeError(conn, err)
			return
		}
		if _, err := io.CopyN(w, conn, f.Size); err != nil {
			_ = w.Close()
			trx.Invalidate()
			_ = trx.Close()
			s.writeError(conn, fmt.Errorf("%w: reading kind %q body: %v", assetcache.ErrIO, f.Kind, err))
			return
		}
		if err := w.Close(); err != nil {
			trx.Invalidate()
			_ = trx.Close()
			s.writeError(conn, err)
			return
		}
	}

	if err := s.engine.EndPutTransaction(ctx, trx); err != nil {
		s.writeError(conn, err)
		return
	}

	s.writeOK(conn, responseHeader{OK: true}, nil)
}

func (s *Server) handleGet(ctx context.Context, conn net.Conn, req requestHeader) {
	guid, hash, err := parseKey(req.GUID, req.Hash)
	if err != nil {
		s.writeError(conn, err)
		return
	}

	rc, err := s.engine.GetFileStream(ctx, req.Kind, guid, hash)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	defer rc.Close()

	info, err := s.engine.GetFileInfo(ctx, req.Kind, guid, hash)
	if err != nil {
		s.writeError(conn, err)
		return
	}

	s.writeOK(conn, responseHeader{OK: true, Size: info.Size}, rc)
}

func (s *Server) handleInfo(ctx context.Context, conn net.Conn, req requestHeader) {
	guid, hash, err := parseKey(req.GUID, req.Hash)
	if err != nil {
		s.writeError(conn, err)
		return
	}

	info, err := s.engine.GetFileInfo(ctx, req.Kind, guid, hash)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, responseHeader{OK: true, Size: info.Size}, nil)
}

func (s *Server) writeOK(conn net.Conn, resp responseHeader, body io.Reader) {
	if err := writeFrame(conn, resp, body); err != nil {
		s.logger.Warn("writing response frame", "error", err, "remote", conn.RemoteAddr())
	}
}

func (s *Server) writeError(conn net.Conn, err error) {
	resp := responseHeader{OK: false, Error: err.Error()}
	if writeErr := writeFrame(conn, resp, nil); writeErr != nil {
		s.logger.Warn("writing error response frame", "error", writeErr, "remote", conn.RemoteAddr())
	}
}

func parseKey(guidHex, hashHex string) (assetcache.GUID, assetcache.Hash, error) {
	guid, err := assetcache.ParseGUID(guidHex)
	if err != nil {
		return assetcache.GUID{}, assetcache.Hash{}, err
	}
	hash, err := assetcache.ParseHash(hashHex)
	if err != nil {
		return assetcache.GUID{}, assetcache.Hash{}, err
	}
	return guid, hash, nil
}
