package daemon

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/upgrader"
)

// Server carries the request surface over a local stream socket. One JSON
// request per connection; progress updates stream back as JSON lines
// followed by a terminal result.
type Server struct {
	runtime *Runtime
	path    string
}

// NewServer returns a Server for the runtime at the socket path.
func NewServer(runtime *Runtime, path string) *Server {
	return &Server{runtime: runtime, path: path}
}

// reply is one line on the wire.
type reply struct {
	Progress  *Progress `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error-kind,omitempty"`
	Done      bool      `json:"done,omitempty"`
	Changed   bool      `json:"changed,omitempty"`
}

// ListenAndServe accepts requests until the listener fails.
func (s *Server) ListenAndServe() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	_ = os.Remove(s.path)
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn.(*net.UnixConn))
	}
}

// peerUID reads the caller's uid from the socket.
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, credErr
	}
	return cred.Uid, nil
}

func (s *Server) handle(conn *net.UnixConn) {
	defer conn.Close()
	enc := json.NewEncoder(conn)

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		_ = enc.Encode(reply{Error: err.Error(), Done: true})
		return
	}
	uid, err := peerUID(conn)
	if err != nil {
		log.WithError(err).Warn("reading peer credentials")
	}

	txn, _, err := s.runtime.Begin(&req, uid)
	if err != nil {
		_ = enc.Encode(reply{Error: err.Error(), ErrorKind: string(errdefs.KindOf(err)), Done: true})
		return
	}

	for p := range txn.Progress() {
		update := p
		if err := enc.Encode(reply{Progress: &update}); err != nil {
			// The requester went away; the transaction keeps running.
			log.WithError(err).Debug("dropping progress subscriber")
			return
		}
	}
	<-txn.Done()

	final := reply{Done: true}
	if err := txn.Err(); err != nil {
		final.Error = err.Error()
		final.ErrorKind = string(errdefs.KindOf(err))
	} else if res := txn.Result(); res != nil {
		final.Changed = res.Outcome == upgrader.OutcomeChanged
	}
	_ = enc.Encode(final)
}
