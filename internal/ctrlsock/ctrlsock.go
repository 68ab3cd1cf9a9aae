// Package ctrlsock implements the operator control-socket interface of §6:
// two Unix-domain listeners (full and restricted) accepting one JSON object
// per line, answered either directly (neighbor state, counters, timers --
// anything the session engine already knows) or relayed to the RDE control
// channel for RIB-scoped queries.
//
// Grounded on the teacher's json/json.go emission style, now split out into
// internal/wjson; inbound decode uses github.com/buger/jsonparser directly,
// the same "parse an untyped external JSON blob without building a generic
// map[string]interface{}" job the teacher's own json package exists for.
package ctrlsock

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/buger/jsonparser"

	"github.com/nextbgpd/sessiond/internal/fsm"
	"github.com/nextbgpd/sessiond/internal/wjson"
)

// NeighborSnapshot is the read-only view of one peer the control socket can
// answer without consulting the RDE (§6 "answered directly for
// session-engine-scoped queries: neighbor state, counters, timers").
type NeighborSnapshot struct {
	ID                 uint32
	Description        string
	RemoteAddr         net.IP
	RemoteAS           uint32
	State              fsm.State
	LastUpDown         int64
	ErrCnt             int
	IdleHoldTime       int64
	LastErrSent        [2]byte
	LastErrRecv        [2]byte
	SentByType         map[byte]uint64
	RecvByType         map[byte]uint64
	HoldTime           uint16
	NegotiatedHoldTime uint16
}

// Snapshots is how ctrlsock reads engine state without importing
// internal/engine: the engine publishes a lock-free snapshot map (keyed by
// peer-id) that the control-socket goroutine reads concurrently with the
// loop goroutine writing it -- the one legitimate cross-goroutine boundary
// in this codebase (§5, SPEC_FULL.md ambient-stack notes on
// puzpuzpuz/xsync).
type Snapshots interface {
	Neighbor(id uint32) (NeighborSnapshot, bool)
	AllNeighbors() []NeighborSnapshot
}

// Relay forwards a query this package cannot answer locally (RIB dumps,
// filter/policy queries) to the RDE control channel and returns its raw
// response, or an error if the RDE channel is unavailable.
type Relay func(query []byte) ([]byte, error)

// Server owns the full and restricted listeners. Restricted connections
// get query rejected for anything jsonparser sees a "privileged" field on.
type Server struct {
	full       net.Listener
	restricted net.Listener
	snapshots  Snapshots
	relay      Relay
}

// Listen binds both control sockets. fullPath/restrictedPath are handed to
// the engine by the parent as ReconfCtrl FDs in production; tests and
// cmd/sessiond both go through net.Listen on a plain filesystem path.
func Listen(fullPath, restrictedPath string, snapshots Snapshots, relay Relay) (*Server, error) {
	_ = os.Remove(fullPath)
	_ = os.Remove(restrictedPath)

	full, err := net.Listen("unix", fullPath)
	if err != nil {
		return nil, fmt.Errorf("ctrlsock: full socket: %w", err)
	}
	restricted, err := net.Listen("unix", restrictedPath)
	if err != nil {
		full.Close()
		return nil, fmt.Errorf("ctrlsock: restricted socket: %w", err)
	}
	return &Server{full: full, restricted: restricted, snapshots: snapshots, relay: relay}, nil
}

// Close tears down both listeners.
func (s *Server) Close() error {
	err1 := s.full.Close()
	err2 := s.restricted.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ServeOne accepts and handles a single connection on the full socket, used
// by the event loop's per-pass "control-client sockets" dispatch (§4.7 step
// 5) rather than a dedicated goroutine per listener.
func (s *Server) ServeOne(restricted bool) error {
	ln := s.full
	if restricted {
		ln = s.restricted
	}
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()
	return s.serve(conn, restricted)
}

// TryServeOne is ServeOne's non-blocking counterpart for the event loop's
// per-pass "control-client sockets" dispatch (§4.7 step 5): it returns
// immediately with ok=false rather than blocking when no connection is
// currently pending, so a single poll-driven pass can check both sockets
// without a dedicated accept goroutine.
func (s *Server) TryServeOne(restricted bool) (ok bool, err error) {
	ln := s.full
	if restricted {
		ln = s.restricted
	}
	uln, isUnix := ln.(*net.UnixListener)
	if !isUnix {
		return false, nil
	}
	if err := uln.SetDeadline(time.Now()); err != nil {
		return false, err
	}
	conn, err := uln.Accept()
	if err != nil {
		if ne, isNetErr := err.(net.Error); isNetErr && ne.Timeout() {
			return false, nil
		}
		return false, err
	}
	defer conn.Close()
	return true, s.serve(conn, restricted)
}

func (s *Server) serve(conn net.Conn, restricted bool) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		resp := s.handle(scanner.Bytes(), restricted)
		resp = append(resp, '\n')
		if _, err := conn.Write(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// handle decodes one query line and dispatches it.
func (s *Server) handle(line []byte, restricted bool) []byte {
	cmd, err := jsonparser.GetString(line, "cmd")
	if err != nil {
		return errResponse("missing cmd field")
	}

	switch cmd {
	case "show_neighbor":
		return s.handleShowNeighbor(line)
	case "show_neighbors":
		return s.handleShowNeighbors()
	default:
		if restricted {
			return errResponse("cmd not permitted on restricted socket")
		}
		if s.relay == nil {
			return errResponse("no RDE control channel available")
		}
		out, err := s.relay(line)
		if err != nil {
			return errResponse(err.Error())
		}
		return out
	}
}

func (s *Server) handleShowNeighbor(line []byte) []byte {
	id, err := jsonparser.GetInt(line, "id")
	if err != nil {
		return errResponse("missing id field")
	}
	n, ok := s.snapshots.Neighbor(uint32(id))
	if !ok {
		return errResponse("no such neighbor")
	}
	return marshalNeighbor(n)
}

func (s *Server) handleShowNeighbors() []byte {
	all := s.snapshots.AllNeighbors()
	buf := append([]byte{}, `{"neighbors":[`...)
	for i, n := range all {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, marshalNeighbor(n)...)
	}
	return append(buf, "]}"...)
}

func errResponse(msg string) []byte {
	buf := append([]byte{}, `{"error":`...)
	buf = wjson.Str(buf, msg)
	return append(buf, '}')
}

func marshalNeighbor(n NeighborSnapshot) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, `{"id":`...)
	buf = wjson.U32(buf, n.ID)
	buf = append(buf, `,"description":`...)
	buf = wjson.Str(buf, n.Description)
	buf = append(buf, `,"remote_addr":`...)
	buf = wjson.Str(buf, n.RemoteAddr.String())
	buf = append(buf, `,"remote_as":`...)
	buf = wjson.U32(buf, n.RemoteAS)
	buf = append(buf, `,"state":`...)
	buf = wjson.Str(buf, n.State.String())
	buf = append(buf, `,"last_updown":`...)
	buf = wjson.U64(buf, uint64(n.LastUpDown))
	buf = append(buf, `,"errcnt":`...)
	buf = wjson.U32(buf, uint32(n.ErrCnt))
	buf = append(buf, `,"idle_hold_time":`...)
	buf = wjson.U64(buf, uint64(n.IdleHoldTime))
	buf = append(buf, `,"hold_time":`...)
	buf = wjson.U32(buf, uint32(n.HoldTime))
	buf = append(buf, `,"negotiated_hold_time":`...)
	buf = wjson.U32(buf, uint32(n.NegotiatedHoldTime))
	buf = append(buf, `,"last_err_sent":`...)
	buf = wjson.Hex(buf, n.LastErrSent[:])
	buf = append(buf, `,"last_err_recv":`...)
	buf = wjson.Hex(buf, n.LastErrRecv[:])
	buf = append(buf, '}')
	return buf
}
