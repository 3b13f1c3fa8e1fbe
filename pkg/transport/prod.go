package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
	"github.com/mybop/gae-channel-go/pkg/talk"
)

const (
	prodName = "prod"

	bindPath = "dch/bind"

	// prodTerminatedStatus is returned to binds carrying an unknown SID.
	prodTerminatedStatus = http.StatusBadRequest
)

var (
	// The initialize page embeds a call such as
	// chat.WcsDataClient("a","b","CLIENT","SESSION","e","f","TOKEN").
	callSitePattern = regexp.MustCompile(`(?i)chat\.WcsDataClient\(([^)]+)\)`)
	argumentPattern = regexp.MustCompile(`"([^"]*?)"[\s,]*`)
)

// Positions of the call-site arguments we use.
const (
	argClientID  = 2
	argSessionID = 3
	argToken     = 6
	argCount     = 7
)

// ProdSession is the bookkeeping of the production bind protocol.
type ProdSession struct {
	ClientID  string
	SessionID string
	SID       string

	// MessageID is the last acknowledged message number. It never decreases.
	MessageID int64

	// RequestID is the RID of the next bind request. It is never reset.
	RequestID int64
}

// ProdTransport speaks the production talk gadget protocol.
type ProdTransport struct {
	serverURL string
	talkBase  *url.URL
	token     string
	delay     time.Duration

	mu      sync.Mutex
	session ProdSession
}

// NewProdTransport creates a production transport for token.
func NewProdTransport(config Config, token string) (*ProdTransport, error) {
	talkURL := config.TalkURL
	if talkURL == "" {
		talkURL = DefaultTalkURL
	}
	talkBase, err := url.Parse(talkURL)
	if err != nil {
		return nil, chanerrors.InvalidConfiguration("talk_url", err.Error())
	}

	return &ProdTransport{
		serverURL: strings.TrimSuffix(config.ServerURL, "/"),
		talkBase:  talkBase,
		token:     token,
		delay:     config.pollDelay(ProdPollDelay),
		session:   ProdSession{MessageID: 1},
	}, nil
}

func (t *ProdTransport) Name() string { return prodName }

func (t *ProdTransport) PollDelay() time.Duration { return t.delay }

// Session returns a copy of the current session state.
func (t *ProdTransport) Session() ProdSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Connect runs initialize, fetchSid and register in order.
func (t *ProdTransport) Connect(ctx context.Context, client HTTPClient) (string, error) {
	t.mu.Lock()
	t.session.ClientID = ""
	t.session.SessionID = ""
	t.session.SID = ""
	t.mu.Unlock()

	if err := t.initialize(ctx, client); err != nil {
		return "", err
	}
	if err := t.fetchSid(ctx, client); err != nil {
		return "", err
	}
	if err := t.register(ctx, client); err != nil {
		return "", err
	}
	return t.Session().ClientID, nil
}

type xpcDescriptor struct {
	ChannelName  string `json:"cn"`
	Transport    string `json:"tp"`
	LocalPollURL string `json:"lpu"`
	PeerPollURL  string `json:"ppu"`
}

// initialize loads the gadget page and reads the session identifiers out of
// its embedded client constructor call.
func (t *ProdTransport) initialize(ctx context.Context, client HTTPClient) error {
	xpc, err := json.Marshal(xpcDescriptor{
		ChannelName:  randomLetters(10),
		Transport:    "null",
		LocalPollURL: t.talkBase.String() + "xpc_blank",
		PeerPollURL:  t.serverURL + channelPath + "xpc_blank",
	})
	if err != nil {
		return chanerrors.HandshakeFailed("initialize", "encoding xpc descriptor", err)
	}

	query := Params{{"token", t.token}, {"xpc", string(xpc)}}.Encode()
	endpoint := t.talkBase.ResolveReference(&url.URL{Path: "d", RawQuery: query}).String()

	resp, err := client.Get(ctx, endpoint, nil)
	if err != nil {
		return wrapRequestError(ctx, prodName, "initialize", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		return chanerrors.HandshakeFailed("initialize", "server response: "+resp.Status,
			chanerrors.UnexpectedStatus(prodName, "initialize", endpoint, resp.StatusCode))
	}

	html, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapRequestError(ctx, prodName, "initialize", err)
	}

	args, err := callSiteArguments(string(html))
	if err != nil {
		return err
	}
	if args[argToken] != t.token {
		return chanerrors.TokenMismatch(t.token, args[argToken])
	}

	t.mu.Lock()
	t.session.ClientID = args[argClientID]
	t.session.SessionID = args[argSessionID]
	t.mu.Unlock()
	return nil
}

// callSiteArguments returns the first seven quoted arguments of the client
// constructor call in page.
func callSiteArguments(page string) ([]string, error) {
	call := callSitePattern.FindStringSubmatch(page)
	if call == nil {
		return nil, chanerrors.HandshakeFailed("initialize", "client call site not found in response", nil)
	}

	matches := argumentPattern.FindAllStringSubmatch(call[1], argCount)
	if len(matches) < argCount {
		return nil, chanerrors.HandshakeFailed("initialize",
			"Expected iteration #"+strconv.Itoa(len(matches))+" to find something.", nil)
	}

	args := make([]string, argCount)
	for i, m := range matches {
		args[i] = m[1]
	}
	return args, nil
}

// fetchSid opens the bind session and reads its SID.
func (t *ProdTransport) fetchSid(ctx context.Context, client HTTPClient) error {
	endpoint := t.bindURL(Param{"CVER", "1"})
	resp, err := client.Post(ctx, endpoint, nil, Params{{"count", "0"}})
	if err != nil {
		return wrapRequestError(ctx, prodName, "fetchSid", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		return chanerrors.HandshakeFailed("fetchSid", "server response: "+resp.Status,
			chanerrors.UnexpectedStatus(prodName, "fetchSid", endpoint, resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapRequestError(ctx, prodName, "fetchSid", err)
	}

	// The body is a single submission; its length line is not needed.
	text := string(body)
	nl := strings.IndexByte(text, '\n')
	if nl < 0 {
		return chanerrors.HandshakeFailed("fetchSid", "response has no length line", nil)
	}

	msg, err := talk.Parse(text[nl:])
	if err != nil {
		return chanerrors.HandshakeFailed("fetchSid", "unparseable response", err)
	}

	sid, err := sidFromMessage(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.session.SID = sid
	t.mu.Unlock()
	return nil
}

// sidFromMessage walks [[0,["c","SID",...]]] down to the SID.
func sidFromMessage(msg *talk.Message) (string, error) {
	fail := func(err error) (string, error) {
		return "", chanerrors.HandshakeFailed("fetchSid", "unexpected frame shape "+msg.String(), err)
	}

	outer, err := msg.MessageAt(0)
	if err != nil {
		return fail(err)
	}
	inner, err := outer.MessageAt(1)
	if err != nil {
		return fail(err)
	}
	tag, err := inner.TextAt(0)
	if err != nil {
		return fail(err)
	}
	if tag != "c" {
		return "", chanerrors.HandshakeFailed("fetchSid", "Expected first value to be 'c', found: "+tag, nil)
	}
	sid, err := inner.TextAt(1)
	if err != nil {
		return fail(err)
	}
	return sid, nil
}

// register attaches the client id to the bind session. Only transport
// failures are reported.
func (t *ProdTransport) register(ctx context.Context, client HTTPClient) error {
	session := t.Session()
	endpoint := t.bindURL(
		Param{"AID", strconv.FormatInt(session.MessageID, 10)},
		Param{"CVER", "1"},
	)
	form := Params{
		{"count", "1"},
		{"ofs", "0"},
		{"req0_m", `["connect-add-client"]`},
		{"req0_c", session.ClientID},
		{"req0__sc", "c"},
	}

	resp, err := client.Post(ctx, endpoint, nil, form)
	if err != nil {
		return wrapRequestError(ctx, prodName, "register", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Poll opens a streaming bind request. Frames are decoded lazily as the
// server writes them.
func (t *ProdTransport) Poll(ctx context.Context, client HTTPClient) (Batch, error) {
	t.mu.Lock()
	aid := strconv.FormatInt(t.session.MessageID, 10)
	t.mu.Unlock()

	endpoint := t.bindURL(
		Param{"CI", "0"},
		Param{"AID", aid},
		Param{"TYPE", "xmlhttp"},
		Param{"RID", "rpc"},
	)

	resp, err := client.Get(ctx, endpoint, nil)
	if err != nil {
		return nil, wrapRequestError(ctx, prodName, "poll", err)
	}

	switch {
	case resp.StatusCode == prodTerminatedStatus:
		resp.Body.Close()
		return nil, chanerrors.SessionTerminated(prodName, resp.StatusCode)
	case resp.StatusCode > 299:
		resp.Body.Close()
		return nil, chanerrors.UnexpectedStatus(prodName, "poll", endpoint, resp.StatusCode)
	}

	return &prodBatch{
		ctx:       ctx,
		transport: t,
		body:      resp.Body,
		reader:    talk.NewReader(bufio.NewReader(resp.Body)),
	}, nil
}

// Disconnect is a no-op: the production service expires abandoned binds.
func (t *ProdTransport) Disconnect(ctx context.Context, client HTTPClient) error {
	return nil
}

// bindURL builds the dch/bind URL and consumes one request id. extras are
// placed between the session parameters and RID.
func (t *ProdTransport) bindURL(extras ...Param) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	params := Params{
		{"token", t.token},
		{"gsessionid", t.session.SessionID},
		{"clid", t.session.ClientID},
		{"prop", "data"},
		{"zx", randomLetters(12)},
		{"t", "1"},
	}
	if t.session.SID != "" {
		params = append(params, Param{"SID", t.session.SID})
	}
	params = append(params, extras...)
	params = append(params, Param{"RID", strconv.FormatInt(t.session.RequestID, 10)})
	t.session.RequestID++

	rel := &url.URL{Path: bindPath, RawQuery: "VER=8&" + params.Encode()}
	return t.talkBase.ResolveReference(rel).String()
}

// deliver applies one poll frame to the session. The expected shape is
//
//	[[AID,["c",[SESSION,["ae",TEXT]]]]]
//
// Anything else only advances the message id, if it carries one.
//
// The server's AID is adopted only when it is higher than the stored one.
// A frame with a lower id is still delivered, but the id is ignored so the
// next poll never acknowledges an earlier position.
func (t *ProdTransport) deliver(msg *talk.Message) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	outer, err := msg.MessageAt(0)
	if err != nil {
		return "", false
	}
	if id, err := outer.NumberAt(0); err == nil && id > t.session.MessageID {
		t.session.MessageID = id
	}

	body, err := outer.MessageAt(1)
	if err != nil {
		return "", false
	}
	if tag, err := body.TextAt(0); err != nil || tag != "c" {
		return "", false
	}

	session, err := body.MessageAt(1)
	if err != nil {
		return "", false
	}
	if sessionID, err := session.TextAt(0); err == nil {
		t.session.SessionID = sessionID
	}

	payload, err := session.MessageAt(1)
	if err != nil {
		return "", false
	}
	if kind, err := payload.TextAt(0); err != nil || !strings.EqualFold(kind, "ae") {
		return "", false
	}
	text, err := payload.TextAt(1)
	if err != nil {
		return "", false
	}
	return text, true
}

// prodBatch streams the submissions of one bind response.
type prodBatch struct {
	ctx       context.Context
	transport *ProdTransport
	body      io.ReadCloser
	reader    *talk.Reader
}

func (b *prodBatch) Next() (Frame, error) {
	msg, err := b.reader.ReadMessage()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, wrapRequestError(b.ctx, prodName, "poll", err)
	}
	return prodFrame{transport: b.transport, msg: msg}, nil
}

func (b *prodBatch) Close() error {
	return b.body.Close()
}

type prodFrame struct {
	transport *ProdTransport
	msg       *talk.Message
}

func (f prodFrame) Deliver() (string, bool) {
	return f.transport.deliver(f.msg)
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randomLetters(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}
