package channeltest

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// DevPath is the endpoint of the development protocol.
const DevPath = "/_ah/channel/dev"

// DevServer imitates the development server's channel servlet. Each poll
// is held open until a message is pushed and answers with exactly one
// message followed by a newline.
type DevServer struct {
	*core

	clientID      string
	connectStatus int
	failPolls     int
	failStatus    int
}

// NewDevServer starts a server that assigns clientID on connect.
func NewDevServer(clientID string, opts ...Option) *DevServer {
	s := &DevServer{clientID: clientID}
	s.core = newCore(opts, func(r chi.Router) {
		r.Get(DevPath, s.handle)
	})
	return s
}

// Push queues messages. Each one is answered to its own poll.
func (s *DevServer) Push(messages ...string) {
	s.push(messages...)
}

// SetConnectStatus makes connect answer status instead of 200. Zero
// restores the normal answer.
func (s *DevServer) SetConnectStatus(status int) {
	s.mu.Lock()
	s.connectStatus = status
	s.mu.Unlock()
}

// FailPolls answers the next n polls with status.
func (s *DevServer) FailPolls(n, status int) {
	s.mu.Lock()
	s.failPolls = n
	s.failStatus = status
	s.mu.Unlock()
}

// Commands lists the command parameter of every request, in order.
func (s *DevServer) Commands() []string {
	var out []string
	for _, r := range s.Requests() {
		out = append(out, r.Command())
	}
	return out
}

func (s *DevServer) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("command") {
	case "connect":
		s.mu.Lock()
		status := s.connectStatus
		if status == 0 {
			s.terminated = false
		}
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		_, _ = io.WriteString(w, s.clientID)

	case "poll":
		s.mu.Lock()
		if s.failPolls > 0 {
			s.failPolls--
			status := s.failStatus
			s.mu.Unlock()
			http.Error(w, http.StatusText(status), status)
			return
		}
		s.mu.Unlock()

		messages, terminated, ok := s.await(r, 1)
		switch {
		case !ok:
			return
		case terminated:
			http.Error(w, "channel closed", http.StatusGone)
			return
		}
		_, _ = io.WriteString(w, messages[0]+"\n")

	case "disconnect":
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
	}
}
