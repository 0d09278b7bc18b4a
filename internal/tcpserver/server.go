package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/crucible-data/refinery/internal/model"
	"github.com/crucible-data/refinery/internal/stage"
)

// DefaultMaxLineSize is the default maximum size (in bytes) of a single event line.
const DefaultMaxLineSize = 1024 * 1024 // 1MB

// Sink receives parsed raw records without blocking on storage IO.
type Sink interface {
	Add(record *model.RawRecord)
}

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	MaxLineSize int
}

// Server listens for newline-delimited JSON event payloads over TCP and
// feeds them into the raw append log via the sink. Each connection gets its
// own source file id ("tcp:<remote>") with a per-connection row ordinal, so
// the ingestion metadata contract holds for streamed rows too.
type Server struct {
	listener    net.Listener
	addr        string
	sink        Sink
	maxLineSize int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewServer creates a new TCP server. Default addr is "127.0.0.1:4000".
func NewServer(addr string, sink Sink, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = "127.0.0.1:4000"
	}
	maxLineSize := DefaultMaxLineSize
	if len(conf) > 0 && conf[0].MaxLineSize > 0 {
		maxLineSize = conf[0].MaxLineSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		sink:        sink,
		maxLineSize: maxLineSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					continue
				}
			}
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()

	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sourceID := fmt.Sprintf("tcp:%s", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	buf := make([]byte, s.maxLineSize)
	scanner.Buffer(buf, s.maxLineSize)

	ordinal := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			ordinal++
			continue
		}
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.sink.Add(&model.RawRecord{
			SourceFileID:     sourceID,
			SourceRowOrdinal: ordinal,
			LoadTimestamp:    time.Now().UTC(),
			Fields:           stage.ParseEventLine(line),
		})
		ordinal++
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			log.Printf("tcpserver: dropped connection %s, line exceeded max size (%d bytes)", conn.RemoteAddr(), s.maxLineSize)
			return
		}
		log.Printf("tcpserver: scanner error from %s: %v", conn.RemoteAddr(), err)
	}
}

// Stop gracefully shuts down the TCP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
