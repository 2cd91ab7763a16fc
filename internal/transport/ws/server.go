// Package ws carries interactions in and prompts out over websocket.
package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"catchdex.io/internal/protocol"
)

// Handler answers one interaction. It is called on its own goroutine.
type Handler interface {
	Handle(ctx context.Context, in protocol.Interaction) protocol.ResultMsg
}

type HandlerFunc func(ctx context.Context, in protocol.Interaction) protocol.ResultMsg

func (f HandlerFunc) Handle(ctx context.Context, in protocol.Interaction) protocol.ResultMsg {
	return f(ctx, in)
}

type Options struct {
	Catalog       protocol.CatalogDigest
	ResolverToken string
	// MaxInFlight bounds unanswered interactions per connection; beyond it
	// the server answers E_BUSY.
	MaxInFlight  int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *log.Logger
	Now          func() time.Time
}

type Server struct {
	handler   Handler
	validator *protocol.Validator
	catalog   protocol.CatalogDigest
	token     string
	inFlight  int
	readTO    time.Duration
	writeTO   time.Duration
	log       *log.Logger
	now       func() time.Time

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	byUser   map[string]map[*session]struct{}
	byChan   map[string]map[*session]struct{}
}

type session struct {
	id          string
	participant string
	role        string
	channels    []string
	out         chan []byte
	slots       chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

func (s *session) close() { s.closeOnce.Do(func() { close(s.done) }) }

func NewServer(h Handler, v *protocol.Validator, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 16
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 90 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Server{
		handler:   h,
		validator: v,
		catalog:   opts.Catalog,
		token:     opts.ResolverToken,
		inFlight:  opts.MaxInFlight,
		readTO:    opts.ReadTimeout,
		writeTO:   opts.WriteTimeout,
		log:       opts.Logger,
		now:       opts.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: map[string]*session{},
		byUser:   map[string]map[*session]struct{}{},
		byChan:   map[string]map[*session]struct{}{},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		// Registered before WELCOME so nothing addressed to the session after
		// the client sees WELCOME is missed.
		s.register(sess)
		defer s.unregister(sess)
		if err := s.welcome(conn, sess); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go s.writeLoop(ctx, cancel, conn, sess)

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.readTO))
		})
		var wg sync.WaitGroup
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readTO))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.receive(ctx, &wg, sess, msg)
		}
		cancel()
		wg.Wait()
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *session) {
	ping := time.NewTicker(s.readTO / 2)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			cancel()
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTO)); err != nil {
				cancel()
				return
			}
		case b := <-sess.out:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTO))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				cancel()
				return
			}
		}
	}
}

// receive validates one frame and hands it to the handler. The reply is
// always a RESULT, so the client never waits on a dropped message.
func (s *Server) receive(ctx context.Context, wg *sync.WaitGroup, sess *session, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeInteraction {
		s.reject(ctx, sess, "", protocol.ErrProtoBadRequest, "expected INTERACTION")
		return
	}
	in, err := s.validator.DecodeInteraction(msg)
	if err != nil {
		s.reject(ctx, sess, replyTo(msg), protocol.ErrProtoBadRequest, err.Error())
		return
	}
	if in.ProtocolVersion != protocol.Version {
		s.reject(ctx, sess, in.ID, protocol.ErrProtoBadRequest, "bad protocol_version")
		return
	}
	select {
	case sess.slots <- struct{}{}:
	default:
		s.reject(ctx, sess, in.ID, protocol.ErrBusy, "too many interactions in flight")
		return
	}
	in.Participant = sess.participant
	in.Role = sess.role
	in.At = s.now().UTC()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sess.slots }()
		res := s.handler.Handle(ctx, in)
		res.Type = protocol.TypeResult
		res.ProtocolVersion = protocol.Version
		res.ReplyTo = in.ID
		s.send(ctx, sess, res)
	}()
}

func (s *Server) reject(ctx context.Context, sess *session, id, code, message string) {
	res := protocol.NewResult(id)
	res.OK = false
	res.Code = code
	res.Message = message
	res.Retryable = code == protocol.ErrBusy
	s.send(ctx, sess, res)
}

// send queues a RESULT, waiting for room; results are never dropped while
// the connection lives.
func (s *Server) send(ctx context.Context, sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("marshal: %v", err)
		return
	}
	select {
	case sess.out <- b:
	case <-ctx.Done():
	case <-sess.done:
	}
}

func replyTo(msg []byte) string {
	var m struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(msg, &m)
	return m.ID
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	if err := s.validator.ValidateHello(msg); err != nil {
		closePolicy(conn, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closePolicy(conn, "expected HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closePolicy(conn, "bad protocol_version")
		return nil
	}
	role := protocol.RoleParticipant
	if hello.Role == protocol.RoleResolver {
		tok := ""
		if hello.Auth != nil {
			tok = strings.TrimSpace(hello.Auth.Token)
		}
		if s.token == "" || tok != s.token {
			closePolicy(conn, "resolver role denied")
			return nil
		}
		role = protocol.RoleResolver
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = 32
	}
	if maxQ > 256 {
		maxQ = 256
	}
	sess := &session{
		id:          uuid.NewString(),
		participant: hello.Participant,
		role:        role,
		channels:    dedupe(hello.Channels),
		out:         make(chan []byte, maxQ),
		slots:       make(chan struct{}, s.inFlight),
		done:        make(chan struct{}),
	}
	return sess
}

func (s *Server) welcome(conn *websocket.Conn, sess *session) error {
	return writeJSON(conn, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		Participant:     sess.participant,
		Role:            sess.role,
		Channels:        sess.channels,
		Catalog:         s.catalog,
	}, time.Now().Add(s.writeTO))
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func dedupe(in []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func writeJSON(conn *websocket.Conn, v any, deadline time.Time) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, b)
}
