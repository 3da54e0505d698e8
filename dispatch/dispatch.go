/*Package dispatch is the command front door of the orchestration server.

Clients speak a request-reply protocol: each request is a JSON object
framed in a netstring, carrying a "type" tag and the command's parameters
as flat keys alongside it.  Replies carry a human readable status text and
an optional payload; failures of any kind come back as an explicit error
reply, the connection stays up.

The instrument owns one electron beam, so the server processes exactly one
command at a time no matter how many clients are connected.
*/
package dispatch

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.jpl.nasa.gov/bdube/gostem/frame"
	"github.jpl.nasa.gov/bdube/gostem/loops"
	"github.jpl.nasa.gov/bdube/gostem/mode"
	"github.jpl.nasa.gov/bdube/gostem/netstring"
	"github.jpl.nasa.gov/bdube/gostem/scripted"
	"github.jpl.nasa.gov/bdube/gostem/tem"
)

// Reply is the wire shape of every response.
type Reply struct {
	// StatusText is the human readable outcome, e.g. "stage moved"
	StatusText string `json:"reply_message"`

	// Payload is the command's data, if it produces any
	Payload interface{} `json:"reply_data"`

	// Error is set, and the other fields empty, when the command failed
	Error string `json:"error,omitempty"`
}

// A Recorder persists scripted acquisitions.  *scanrec.Recorder satisfies
// it.
type Recorder interface {
	Record(im frame.Image) (string, error)
}

// Session is the long-lived state the dispatcher works on.  A zero
// RefImage means no reference has been taken yet.
type Session struct {
	Inst     tem.Instrument
	Cor      loops.Corrector
	Arb      *mode.Arbiter
	Sync     *scripted.Synchronizer
	Opt      loops.Optimizer
	Rec      Recorder
	RefImage *frame.Image
}

// Server decodes requests, runs them against the session, and encodes
// replies.  Handle is safe for concurrent use; commands are serialized.
type Server struct {
	mu sync.Mutex
	s  *Session
}

// NewServer returns a Server over the session.
func NewServer(s *Session) *Server {
	return &Server{s: s}
}

// errorReply builds the reply for a failed command.
func errorReply(err error) Reply {
	return Reply{Error: err.Error()}
}

// Handle runs one command payload to completion and returns its reply.  A
// panicking handler is recovered into an error reply so one bad command
// cannot take the server down mid-session.
func (srv *Server) Handle(payload []byte) (out Reply) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("recovered panic in command handler: %v", r)
			out = errorReply(fmt.Errorf("dispatch: internal error: %v", r))
		}
	}()
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return errorReply(fmt.Errorf("dispatch: malformed request: %v", err))
	}
	h, ok := handlers[head.Type]
	if !ok {
		return errorReply(fmt.Errorf("dispatch: unknown command type %q", head.Type))
	}
	log.Printf("command %s", head.Type)
	status, data, err := h(srv.s, payload)
	if err != nil {
		log.Printf("command %s failed: %v", head.Type, err)
		return errorReply(err)
	}
	return Reply{StatusText: status, Payload: data}
}

// Serve accepts connections on l and answers netstring framed requests
// until the listener closes.
func (srv *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go srv.serveConn(conn)
	}
}

// ListenAndServe listens on addr and calls Serve.
func (srv *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("command server listening on %s", addr)
	return srv.Serve(l)
}

func (srv *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	rdr := netstring.NewReader(conn)
	for {
		payload, err := rdr.Next()
		if err != nil {
			if err != io.EOF {
				log.Printf("dropping client %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		reply := srv.Handle(payload)
		buf, err := json.Marshal(reply)
		if err != nil {
			buf, _ = json.Marshal(errorReply(err))
		}
		if err := netstring.EncodeTo(conn, buf); err != nil {
			log.Printf("dropping client %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}
