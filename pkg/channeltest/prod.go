package channeltest

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf16"

	"github.com/go-chi/chi/v5"

	"github.com/mybop/gae-channel-go/pkg/talk"
)

// TalkPath is the gadget base path served by ProdServer.
const TalkPath = "/talkgadget/"

// ProdServer imitates the production talk gadget: the initialize page, the
// bind handshake and streaming bind polls.
type ProdServer struct {
	*core

	clientID  string
	sessionID string
	sid       string

	echoToken      *string
	initializeBody string
	sidPayload     string
	nextAID        int64
	failPolls      int
	failStatus     int
}

// NewProdServer starts a server that hands out the given identifiers.
func NewProdServer(clientID, sessionID, sid string, opts ...Option) *ProdServer {
	s := &ProdServer{
		clientID:  clientID,
		sessionID: sessionID,
		sid:       sid,
		nextAID:   2,
	}
	s.sidPayload = talk.NewMessage(talk.MessageEntry(talk.NewMessage(
		talk.NumberEntry(0),
		talk.MessageEntry(talk.NewMessage(
			talk.StringEntry("c"),
			talk.StringEntry(sid),
			talk.StringEntry(""),
			talk.NumberEntry(8),
		)),
	))).String()

	s.core = newCore(opts, func(r chi.Router) {
		r.Route(strings.TrimSuffix(TalkPath, "/"), func(r chi.Router) {
			r.Get("/d", s.initialize)
			r.Post("/dch/bind", s.bindPost)
			r.Get("/dch/bind", s.poll)
		})
	})
	return s
}

// TalkURL is the value to use as transport.Config.TalkURL.
func (s *ProdServer) TalkURL() string {
	return s.URL() + TalkPath
}

// Push queues messages, each in its own frame with the next message id.
func (s *ProdServer) Push(messages ...string) {
	s.mu.Lock()
	frames := make([]string, len(messages))
	for i, text := range messages {
		frames[i] = s.messageFrameLocked(text)
	}
	s.mu.Unlock()
	s.push(frames...)
}

// PushFrame queues raw frame payloads as they are.
func (s *ProdServer) PushFrame(payloads ...string) {
	s.push(payloads...)
}

// SetSessionID changes the session id carried by later message frames.
func (s *ProdServer) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// EchoToken makes the initialize page return token instead of the one
// it was asked for.
func (s *ProdServer) EchoToken(token string) {
	s.mu.Lock()
	s.echoToken = &token
	s.mu.Unlock()
}

// SetInitializeBody replaces the initialize page.
func (s *ProdServer) SetInitializeBody(html string) {
	s.mu.Lock()
	s.initializeBody = html
	s.mu.Unlock()
}

// SetSIDPayload replaces the frame answered to fetchSid.
func (s *ProdServer) SetSIDPayload(payload string) {
	s.mu.Lock()
	s.sidPayload = payload
	s.mu.Unlock()
}

// FailPolls answers the next n polls with status.
func (s *ProdServer) FailPolls(n, status int) {
	s.mu.Lock()
	s.failPolls = n
	s.failStatus = status
	s.mu.Unlock()
}

// Binds returns the requests made to dch/bind.
func (s *ProdServer) Binds() []Request {
	var out []Request
	for _, r := range s.Requests() {
		if strings.HasSuffix(r.Path, "/dch/bind") {
			out = append(out, r)
		}
	}
	return out
}

func (s *ProdServer) messageFrameLocked(text string) string {
	aid := s.nextAID
	s.nextAID++
	return talk.NewMessage(talk.MessageEntry(talk.NewMessage(
		talk.NumberEntry(aid),
		talk.MessageEntry(talk.NewMessage(
			talk.StringEntry("c"),
			talk.MessageEntry(talk.NewMessage(
				talk.StringEntry(s.sessionID),
				talk.MessageEntry(talk.NewMessage(
					talk.StringEntry("ae"),
					talk.StringEntry(text),
				)),
			)),
		)),
	))).String()
}

func (s *ProdServer) initialize(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	s.mu.Lock()
	s.terminated = false
	if s.echoToken != nil {
		token = *s.echoToken
	}
	body := s.initializeBody
	if body == "" {
		body = fmt.Sprintf(`<html><body><script type="text/javascript">
var a = new chat.WcsDataClient("%s", "", "%s", "%s", "cd", "en", "%s", true);
a.start();
</script></body></html>`, s.TalkURL(), s.clientID, s.sessionID, token)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, body)
}

// bindPost serves fetchSid (no SID yet) and register.
func (s *ProdServer) bindPost(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("SID")

	s.mu.Lock()
	payload := s.sidPayload
	known := s.sid
	s.mu.Unlock()

	if sid == "" {
		writeFrames(w, payload)
		return
	}
	if sid != known {
		http.Error(w, "Unknown SID", http.StatusBadRequest)
		return
	}
	writeFrames(w, `[[1,["noop"]]]`)
}

func (s *ProdServer) poll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.failPolls > 0 {
		s.failPolls--
		status := s.failStatus
		s.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}
	known := r.URL.Query().Get("SID") == s.sid
	s.mu.Unlock()

	if !known {
		http.Error(w, "Unknown SID", http.StatusBadRequest)
		return
	}

	frames, terminated, ok := s.await(r, 0)
	switch {
	case !ok:
		return
	case terminated:
		http.Error(w, "Unknown SID", http.StatusBadRequest)
		return
	}
	writeFrames(w, frames...)
}

// writeFrames writes each payload behind its length line. Lengths count
// UTF-16 code units.
func writeFrames(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	flusher, _ := w.(http.Flusher)
	for _, p := range payloads {
		fmt.Fprintf(w, "%d\n%s", len(utf16.Encode([]rune(p))), p)
		if flusher != nil {
			flusher.Flush()
		}
	}
}
