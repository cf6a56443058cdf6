// Package debugsrv streams debug_log frames to a single attached viewer
// over a websocket, for driver-author tooling. It is grounded directly on
// the teacher's pvm_test.go attachFrameServer: an http.ServeMux with a
// single "/ws" upgrade endpoint (no static page), one active connection
// at a time, binary frames pushed from the VM side.
package debugsrv

import (
	"context"
	"encoding/binary"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cavern-os/ihvm/log"
)

// Frame is one debug_log snapshot pushed to the attached viewer. The wire encoding is a small fixed binary layout rather than
// JSON: driver-tooling viewers are expected to be as low-overhead as the
// interrupt path they observe.
type Frame struct {
	HandlerID       uint32
	InterruptNumber uint32
	IP              uint32
	Tag             uint32
	Registers       [16]uint64
}

// Encode packs f into its wire form: four uint32 header fields followed
// by sixteen little-endian uint64 registers.
func (f Frame) Encode() []byte {
	buf := make([]byte, 16+16*8)
	binary.LittleEndian.PutUint32(buf[0:4], f.HandlerID)
	binary.LittleEndian.PutUint32(buf[4:8], f.InterruptNumber)
	binary.LittleEndian.PutUint32(buf[8:12], f.IP)
	binary.LittleEndian.PutUint32(buf[12:16], f.Tag)
	for i, r := range f.Registers {
		binary.LittleEndian.PutUint64(buf[16+i*8:24+i*8], r)
	}
	return buf
}

// Server holds at most one live viewer connection and forwards Frames to
// it as binary websocket messages. Frames pushed with no viewer attached
// are silently dropped, matching the teacher's "drop if wsConn is nil"
// behavior — a debug viewer is diagnostic, never load-bearing.
type Server struct {
	addr string

	mu   sync.Mutex
	conn *websocket.Conn

	httpSrv *http.Server
}

// New constructs a Server that will listen on addr once Start is called.
func New(addr string) *Server {
	return &Server{addr: addr}
}

// Start launches the HTTP listener in a background goroutine and returns
// immediately, matching the teacher's fire-and-forget "go func() {
// srv.ListenAndServe() }" — it does not wait for the socket to be bound,
// so a caller that needs to know the server is actually accepting
// connections must poll or add its own readiness signal.
func (s *Server) Start() error {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn(log.ModuleDebugSrv, "debugsrv: upgrade failed", "err", err)
			return
		}
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.conn = c
		s.mu.Unlock()

		c.SetCloseHandler(func(code int, text string) error {
			s.mu.Lock()
			if s.conn == c {
				s.conn = nil
			}
			s.mu.Unlock()
			return nil
		})
	})

	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(log.ModuleDebugSrv, "debugsrv: listen failed", "err", err)
		}
	}()
	return nil
}

// Push forwards frame to the attached viewer, if any.
func (s *Server) Push(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Close disconnects any viewer and shuts down the HTTP listener.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
