// runtime_ipc.go - Unix domain socket control channel

/*

The IPC server lets a second process steer a running machine: swap in a
new brick image, type into the console queue, read execution state or
stop the engine. One JSON request per connection, one JSON response
back, over a Unix domain socket.

Image swaps never interrupt an instruction. The server validates the
brick fully, then stages the bytes on the machine; the driver loop
installs them at the next tick boundary. A validation failure is
reported to the IPC client immediately and the running program is left
alone.

The bind path carries the usual single-instance dance: if the socket
file exists but nothing answers on it, the previous owner died and the
stale socket is removed, otherwise the bind fails because an engine is
already running.

*/

package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	ipcMaxRequestSize = 4096
	ipcTimeout        = 10 * time.Second
)

type ipcRequest struct {
	Cmd  string `json:"cmd"`
	Path string `json:"path,omitempty"`
	Text string `json:"text,omitempty"`
}

type ipcStatus struct {
	PC         uint32 `json:"pc"`
	Cycles     uint64 `json:"cycles"`
	Halted     bool   `json:"halted"`
	Stopped    bool   `json:"stopped"`
	Fault      string `json:"fault,omitempty"`
	InvalidOps uint64 `json:"invalid_ops"`
	TimerFires uint64 `json:"timer_fires"`
	Image      string `json:"image,omitempty"`
}

type ipcResponse struct {
	Status  string     `json:"status"`
	Message string     `json:"message,omitempty"`
	State   *ipcStatus `json:"state,omitempty"`
}

// IPCServer accepts control connections for a running machine.
type IPCServer struct {
	listener net.Listener
	machine  *Machine
	done     chan struct{}
	sockPath string
}

func resolveSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "brickengine.sock")
	}
	return "/tmp/brickengine.sock"
}

// NewIPCServer binds the control socket at the default path.
func NewIPCServer(machine *Machine) (*IPCServer, error) {
	return newIPCServerAt(resolveSocketPath(), machine)
}

func newIPCServerAt(sockPath string, machine *Machine) (*IPCServer, error) {
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		// Stale socket cleanup: try connecting. If peer is dead, remove and retry.
		conn, dialErr := net.DialTimeout("unix", sockPath, 2*time.Second)
		if dialErr != nil {
			os.Remove(sockPath)
			ln, err = net.Listen("unix", sockPath)
			if err != nil {
				return nil, fmt.Errorf("ipc bind failed: %w", err)
			}
		} else {
			conn.Close()
			return nil, fmt.Errorf("another engine instance is already running")
		}
	}
	return &IPCServer{listener: ln, machine: machine, done: make(chan struct{}), sockPath: sockPath}, nil
}

// Start begins accepting connections in a goroutine.
func (s *IPCServer) Start() {
	go s.acceptLoop()
}

// Stop closes the listener, waits for the accept loop and removes the
// socket file.
func (s *IPCServer) Stop() {
	s.listener.Close()
	<-s.done
	os.Remove(s.sockPath)
}

// SocketPath reports where the server is listening.
func (s *IPCServer) SocketPath() string { return s.sockPath }

func (s *IPCServer) acceptLoop() {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *IPCServer) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ipcTimeout))

	buf := make([]byte, ipcMaxRequestSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}

	var req ipcRequest
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, ipcResponse{Status: "err", Message: "invalid json"})
		return
	}
	s.writeResponse(conn, s.dispatch(req))
}

func (s *IPCServer) dispatch(req ipcRequest) ipcResponse {
	switch req.Cmd {
	case "load":
		return s.handleLoad(req)
	case "input":
		return s.handleInput(req)
	case "status":
		return s.handleStatus()
	case "stop":
		s.machine.RequestStop()
		return ipcResponse{Status: "ok"}
	}
	return ipcResponse{Status: "err", Message: "unknown command"}
}

func (s *IPCServer) handleLoad(req ipcRequest) ipcResponse {
	if err := validateIPCPath(req.Path); err != nil {
		return ipcResponse{Status: "err", Message: err.Error()}
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return ipcResponse{Status: "err", Message: err.Error()}
	}
	// Validate now so the client hears about a bad image, stage the swap
	// for the tick boundary.
	if _, _, err := ParseBrick(data); err != nil {
		return ipcResponse{Status: "err", Message: err.Error()}
	}
	s.machine.StageLoad(data)
	return ipcResponse{Status: "ok"}
}

func (s *IPCServer) handleInput(req ipcRequest) ipcResponse {
	if req.Text == "" {
		return ipcResponse{Status: "err", Message: "empty input"}
	}
	dropped := 0
	for i := 0; i < len(req.Text); i++ {
		if !s.machine.console.EnqueueInput(req.Text[i]) {
			dropped++
		}
	}
	if dropped > 0 {
		return ipcResponse{Status: "err", Message: fmt.Sprintf("input queue full, %d byte(s) dropped", dropped)}
	}
	return ipcResponse{Status: "ok"}
}

func (s *IPCServer) handleStatus() ipcResponse {
	m := s.machine
	m.mu.Lock()
	state := &ipcStatus{
		PC:         m.cpu.PC(),
		Cycles:     m.cpu.Cycles(),
		Halted:     m.cpu.IsHalted(),
		Stopped:    m.stopRequested.Load(),
		InvalidOps: m.cpu.InvalidOpcodeCount(),
		TimerFires: m.timerFires,
	}
	if fault := m.cpu.Fault(); fault != nil {
		state.Fault = fault.Error()
	}
	if m.header != nil {
		state.Image = m.header.MetadataString()
	}
	m.mu.Unlock()
	return ipcResponse{Status: "ok", State: state}
}

func (s *IPCServer) writeResponse(conn net.Conn, resp ipcResponse) {
	data, _ := json.Marshal(resp)
	conn.Write(data)
}

func validateIPCPath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("absolute path required")
	}
	if strings.ToLower(filepath.Ext(path)) != ".brick" {
		return fmt.Errorf("unsupported extension: %s", filepath.Ext(path))
	}
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("file not found: %s", path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}
	return nil
}

// ---------------------------------------------------------------------
// Client side
// ---------------------------------------------------------------------

func sendIPCRequest(sockPath string, req ipcRequest) (*ipcResponse, error) {
	conn, err := net.DialTimeout("unix", sockPath, ipcTimeout)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to running engine: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ipcTimeout))

	data, _ := json.Marshal(req)
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}

	buf := make([]byte, ipcMaxRequestSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read response failed: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	if resp.Status != "ok" {
		return &resp, fmt.Errorf("remote error: %s", resp.Message)
	}
	return &resp, nil
}

// SendIPCLoad asks a running engine to swap in the image at path.
func SendIPCLoad(sockPath, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	_, err = sendIPCRequest(sockPath, ipcRequest{Cmd: "load", Path: abs})
	return err
}

// SendIPCInput queues text on a running engine's console.
func SendIPCInput(sockPath, text string) error {
	_, err := sendIPCRequest(sockPath, ipcRequest{Cmd: "input", Text: text})
	return err
}

// SendIPCStatus fetches execution state from a running engine.
func SendIPCStatus(sockPath string) (*ipcStatus, error) {
	resp, err := sendIPCRequest(sockPath, ipcRequest{Cmd: "status"})
	if err != nil {
		return nil, err
	}
	if resp.State == nil {
		return nil, fmt.Errorf("malformed status response")
	}
	return resp.State, nil
}

// SendIPCStop asks a running engine to stop.
func SendIPCStop(sockPath string) error {
	_, err := sendIPCRequest(sockPath, ipcRequest{Cmd: "stop"})
	return err
}
