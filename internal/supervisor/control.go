// control.go — lifecycle control Unix domain socket.
//
// Protocol: newline-delimited JSON over a Unix domain socket, adapted
// wholesale from internal/operator/server.go: same 0600-permissioned
// socket, same bounded-concurrency semaphore, same per-connection
// read/write deadline, same single-request/single-response dispatch
// shape. Commands are retargeted from {reset,pin,unpin,status,list}
// (PID isolation control) to {start,stop,update,status} (Helper
// lifecycle control).
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → Returns the current status snapshot.
//	  → Response: {"ok":true,"status":{...}}
//
//	{"cmd":"update"}
//	  → Triggers an immediate catalog update check.
//	  → Response: {"ok":true,"updated":true}
//
//	{"cmd":"stop"}
//	  → Initiates orderly Supervisor shutdown.
//	  → Response: {"ok":true}
//
//	{"cmd":"start"}
//	  → No-op if already running; reports current state.
//	  → Response: {"ok":true,"state":"connected"}
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/veilmesh/htx-helper/internal/helper"
)

const (
	controlMaxConcurrentConns = 4
	controlMaxRequestBytes    = 4096
	controlConnTimeout        = 10 * time.Second
)

// ControlRequest is the JSON structure for lifecycle control commands.
type ControlRequest struct {
	Cmd string `json:"cmd"` // start | stop | update | status
}

// ControlResponse is the JSON structure for lifecycle control responses.
type ControlResponse struct {
	OK      bool             `json:"ok"`
	Error   string           `json:"error,omitempty"`
	State   string           `json:"state,omitempty"`
	Updated bool             `json:"updated,omitempty"`
	Status  *helper.Snapshot `json:"status,omitempty"`
}

// ControlServer is the lifecycle control Unix domain socket server.
type ControlServer struct {
	socketPath string
	tracker    *helper.Tracker
	stopFn     func()
	updateFn   func(ctx context.Context) (bool, error)
	log        *zap.Logger
	sem        chan struct{}
}

// NewControlServer constructs a ControlServer. stopFn is invoked on a
// "stop" command and should trigger the Supervisor's own shutdown path
// (cancelling its root context); updateFn drives an immediate catalog
// update check.
func NewControlServer(socketPath string, tracker *helper.Tracker, stopFn func(), updateFn func(ctx context.Context) (bool, error), log *zap.Logger) *ControlServer {
	return &ControlServer{
		socketPath: socketPath,
		tracker:    tracker,
		stopFn:     stopFn,
		updateFn:   updateFn,
		log:        log,
		sem:        make(chan struct{}, controlMaxConcurrentConns),
	}
}

// ListenAndServe starts the control socket server. Removes any stale
// socket file before binding and blocks until ctx is cancelled.
func (s *ControlServer) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("control: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("control: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("control socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("control: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("control: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *ControlServer) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(controlConnTimeout))

	reader := bufio.NewReaderSize(conn, controlMaxRequestBytes)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		s.log.Warn("control: read error", zap.Error(err))
		return
	}

	var req ControlRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(conn, ControlResponse{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *ControlServer) dispatch(ctx context.Context, req ControlRequest) ControlResponse {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "update":
		return s.cmdUpdate(ctx)
	case "stop":
		return s.cmdStop()
	case "start":
		return s.cmdStart()
	default:
		return ControlResponse{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *ControlServer) cmdStatus() ControlResponse {
	snap := s.tracker.Snapshot()
	return ControlResponse{OK: true, Status: &snap}
}

func (s *ControlServer) cmdUpdate(ctx context.Context) ControlResponse {
	if s.updateFn == nil {
		return ControlResponse{OK: false, Error: "update trigger not configured"}
	}
	updated, err := s.updateFn(ctx)
	if err != nil {
		return ControlResponse{OK: false, Error: err.Error()}
	}
	return ControlResponse{OK: true, Updated: updated}
}

func (s *ControlServer) cmdStop() ControlResponse {
	if s.stopFn != nil {
		s.stopFn()
	}
	s.log.Info("control: stop command received")
	return ControlResponse{OK: true}
}

func (s *ControlServer) cmdStart() ControlResponse {
	return ControlResponse{OK: true, State: s.tracker.State().Current().String()}
}

func (s *ControlServer) writeResponse(conn net.Conn, resp ControlResponse) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
