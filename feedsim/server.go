// Package feedsim serves the sequenced trade feed protocol from memory. It
// stands in for the real source in tests and local runs.
package feedsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"seqfeed/logger"
	"seqfeed/models"
	"seqfeed/protocol"
	"seqfeed/reader"
)

// Options describes what the simulated source holds and how it misbehaves.
type Options struct {
	// Records is the full backlog in stream order.
	Records []models.Record
	// Drop lists sequences omitted from the full stream but still served on
	// single-record requests.
	Drop []int32
	// TruncateTail appends a partial record after the stream.
	TruncateTail bool
	// ShortReplies makes the next n single-record replies for a sequence
	// shorter than a record.
	ShortReplies map[int32]int
	// Unavailable lists sequences whose single-record request is answered by
	// closing the connection.
	Unavailable []int32
	Mode        protocol.FrameMode
}

type Server struct {
	bySeq       map[int32]models.Record
	stream      []models.Record
	truncate    bool
	unavailable map[int32]struct{}
	mode        protocol.FrameMode

	mu      sync.Mutex
	short   map[int32]int
	running bool

	listeners []net.Listener
	httpSrv   *http.Server
	wg        sync.WaitGroup

	dials    atomic.Int64
	fetches  atomic.Int64
	upgrader websocket.Upgrader
	log      *logger.Log
}

func New(opts Options) *Server {
	drop := make(map[int32]struct{}, len(opts.Drop))
	for _, seq := range opts.Drop {
		drop[seq] = struct{}{}
	}
	s := &Server{
		bySeq:       make(map[int32]models.Record, len(opts.Records)),
		truncate:    opts.TruncateTail,
		unavailable: make(map[int32]struct{}, len(opts.Unavailable)),
		mode:        opts.Mode,
		short:       make(map[int32]int, len(opts.ShortReplies)),
		log:         logger.GetLogger(),
	}
	for _, r := range opts.Records {
		s.bySeq[r.Sequence] = r
		if _, skip := drop[r.Sequence]; !skip {
			s.stream = append(s.stream, r)
		}
	}
	for _, seq := range opts.Unavailable {
		s.unavailable[seq] = struct{}{}
	}
	for seq, n := range opts.ShortReplies {
		s.short[seq] = n
	}
	return s
}

// Series builds records with sequences 1..n over a fixed symbol rotation.
func Series(n int) []models.Record {
	symbols := []string{"AAPL", "MSFT", "AMZN", "META"}
	out := make([]models.Record, 0, n)
	for i := 1; i <= n; i++ {
		side := byte('B')
		if i%2 == 0 {
			side = 'S'
		}
		out = append(out, models.NewRecord(symbols[i%len(symbols)], side, int32(i*10), int32(100+i), int32(i)))
	}
	return out
}

// Dials is the number of connections accepted so far.
func (s *Server) Dials() int64 { return s.dials.Load() }

// Fetches is the number of single-record requests received so far.
func (s *Server) Fetches() int64 { return s.fetches.Load() }

// ListenTCP starts serving on addr and returns the bound address.
func (s *Server) ListenTCP(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.running = true
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.WithComponent("feedsim").WithFields(logger.Fields{
		"address": ln.Addr().String(),
		"records": len(s.bySeq),
		"stream":  len(s.stream),
	}).Info("tcp feed listening")
	return ln.Addr().String(), nil
}

// ListenWS starts a WebSocket endpoint at /feed and returns its ws:// URL.
func (s *Server) ListenWS(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/feed", s.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.running = true
	s.httpSrv = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithComponent("feedsim").WithError(err).Error("websocket server stopped")
		}
	}()

	url := "ws://" + ln.Addr().String() + "/feed"
	s.log.WithComponent("feedsim").WithFields(logger.Fields{"url": url}).Info("websocket feed listening")
	return url, nil
}

// Handler upgrades requests to WebSocket and serves the feed over binary
// messages.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithComponent("feedsim").WithError(err).Warn("websocket upgrade failed")
			return
		}
		s.serve(reader.NewWSConn(ws))
	})
}

// Stop closes every listener and waits for in-flight connections.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	listeners := s.listeners
	s.listeners = nil
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}
	s.wg.Wait()
	s.log.WithComponent("feedsim").Info("feed simulator stopped")
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running && !errors.Is(err, net.ErrClosed) {
				s.log.WithComponent("feedsim").WithError(err).Warn("accept failed")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	s.dials.Add(1)
	log := s.log.WithComponent("feedsim").WithFields(logger.Fields{"remote": conn.RemoteAddr().String()})

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	req, err := protocol.ReadRequest(conn, s.mode)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.WithError(err).Warn("bad request")
		}
		return
	}

	switch req.Op {
	case protocol.OpFullStream:
		s.writeStream(conn, log)
	case protocol.OpSingleRecord:
		s.fetches.Add(1)
		s.writeSingle(conn, req.Sequence, log)
	}
}

func (s *Server) writeStream(w io.Writer, log *logger.Entry) {
	buf := make([]byte, 0, (len(s.stream)+1)*protocol.RecordSize)
	for _, r := range s.stream {
		buf = protocol.AppendRecord(buf, r)
	}
	if s.truncate {
		tail := protocol.EncodeRecord(models.NewRecord("TRNC", 'B', 1, 1, int32(len(s.bySeq)+1)))
		buf = append(buf, tail[:protocol.RecordSize/2]...)
	}
	if _, err := w.Write(buf); err != nil {
		log.WithError(err).Warn("stream write failed")
		return
	}
	log.WithFields(logger.Fields{"records": len(s.stream), "truncated": s.truncate}).Debug("stream served")
}

func (s *Server) writeSingle(w io.Writer, seq int32, log *logger.Entry) {
	if _, gone := s.unavailable[seq]; gone {
		return
	}
	r, ok := s.bySeq[seq]
	if !ok {
		log.WithFields(logger.Fields{"sequence": seq}).Warn("unknown sequence requested")
		return
	}

	frame := protocol.EncodeRecord(r)
	s.mu.Lock()
	if s.short[seq] > 0 {
		s.short[seq]--
		frame = frame[:protocol.RecordSize-5]
	}
	s.mu.Unlock()

	if _, err := w.Write(frame); err != nil {
		log.WithError(err).WithFields(logger.Fields{"sequence": seq}).Warn("record write failed")
	}
}
