// Package ws relays screencast streams from browser children to dashboard clients.
package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/pinchtab/pinchtab/internal/adapter/instanceclient"
	"github.com/pinchtab/pinchtab/internal/domain"
	"github.com/pinchtab/pinchtab/internal/logging"
)

// Config tunes the relay pumps.
type Config struct {
	FrameBuffer int
	PingPeriod  time.Duration
	WriteWait   time.Duration
	DialTimeout time.Duration
}

// passthroughParams are forwarded to the child screencast endpoint.
var passthroughParams = []string{"tabId", "quality", "maxWidth", "fps"}

type frame struct {
	kind int
	data []byte
}

type closeReason struct {
	code int
	text string
}

// relay is one client connection bridged to one child stream.
type relay struct {
	id         string
	instanceID string
	client     *websocket.Conn
	upstream   *websocket.Conn
	frames     chan frame
	ctx        context.Context
	cancel     context.CancelFunc

	once   sync.Once
	reason closeReason
}

func (r *relay) stop(code int, text string) {
	r.once.Do(func() {
		r.reason = closeReason{code: code, text: text}
		r.cancel()
	})
}

// push queues a frame, discarding the oldest queued frame when full.
// Only the upstream reader calls it.
func (r *relay) push(f frame) {
	for {
		select {
		case r.frames <- f:
			return
		default:
		}
		select {
		case <-r.frames:
		default:
		}
	}
}

// Server upgrades dashboard clients and relays child screencast frames.
type Server struct {
	cfg      Config
	client   *instanceclient.Client
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	log      *logrus.Entry

	mu     sync.Mutex
	relays map[string]map[string]*relay
}

// NewServer creates a relay server.
func NewServer(cfg Config, client *instanceclient.Client) *Server {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 4
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 30 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Server{
		cfg:    cfg,
		client: client,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Dashboards are served from other local origins
				return true
			},
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  1024,
		},
		log:    logging.NewLogger("relay"),
		relays: make(map[string]map[string]*relay),
	}
}

// UpstreamURL builds the child screencast URL, forwarding the stream options
// of the client request.
func UpstreamURL(inst domain.Instance, query url.Values) string {
	base := instanceclient.BaseURLFor(inst)
	base = "ws" + strings.TrimPrefix(base, "http")

	q := url.Values{}
	for _, key := range passthroughParams {
		if v := query.Get(key); v != "" {
			q.Set(key, v)
		}
	}
	u := strings.TrimSuffix(base, "/") + "/screencast"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// Serve upgrades the request and relays the screencast of inst until either
// side closes or the instance stops. Child frames go to the client and client
// text frames, such as quality changes, go back to the child. The instance
// must already be resolved.
func (s *Server) Serve(c echo.Context, inst domain.Instance) error {
	clientConn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade screencast client")
		return nil
	}

	target := UpstreamURL(inst, c.QueryParams())
	header := http.Header{}
	s.client.Authorize(header)

	dialCtx, cancelDial := context.WithTimeout(c.Request().Context(), s.cfg.DialTimeout)
	upstream, resp, err := s.dialer.DialContext(dialCtx, target, header)
	cancelDial()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.log.WithError(err).WithField("instance", inst.ID).Warn("failed to dial child screencast")
		s.writeClose(clientConn, websocket.CloseInternalServerErr, "screencast unavailable: "+truncate(err.Error(), 90))
		clientConn.Close()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &relay{
		id:         uuid.New().String(),
		instanceID: inst.ID,
		client:     clientConn,
		upstream:   upstream,
		frames:     make(chan frame, s.cfg.FrameBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.register(r)
	s.log.WithFields(logrus.Fields{"relay": r.id, "instance": inst.ID}).Debug("screencast relay opened")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.readUpstream(r)
	}()
	go func() {
		defer wg.Done()
		s.readClient(r)
	}()
	go func() {
		defer wg.Done()
		s.writeClient(r)
	}()

	go func() {
		wg.Wait()
		s.unregister(r)
		upstream.Close()
		clientConn.Close()
		s.log.WithFields(logrus.Fields{"relay": r.id, "instance": inst.ID}).Debug("screencast relay closed")
	}()
	return nil
}

func (s *Server) readUpstream(r *relay) {
	go func() {
		<-r.ctx.Done()
		// Unblock ReadMessage
		_ = r.upstream.SetReadDeadline(time.Now())
	}()

	for {
		kind, data, err := r.upstream.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				r.stop(ce.Code, ce.Text)
			} else {
				r.stop(websocket.CloseInternalServerErr, "screencast stream ended")
			}
			return
		}
		r.push(frame{kind: kind, data: data})
	}
}

func (s *Server) readClient(r *relay) {
	go func() {
		<-r.ctx.Done()
		_ = r.client.SetReadDeadline(time.Now())
	}()

	_ = r.client.SetReadDeadline(time.Now().Add(s.cfg.PingPeriod * 2))
	r.client.SetPongHandler(func(string) error {
		return r.client.SetReadDeadline(time.Now().Add(s.cfg.PingPeriod * 2))
	})

	for {
		kind, data, err := r.client.ReadMessage()
		if err != nil {
			// The client is gone; only its own relay ends.
			r.stop(websocket.CloseNormalClosure, "")
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		// Only data writer on upstream; writeClient sends control frames only.
		_ = r.upstream.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		if err := r.upstream.WriteMessage(kind, data); err != nil {
			r.stop(websocket.CloseInternalServerErr, "screencast stream ended")
			return
		}
	}
}

func (s *Server) writeClient(r *relay) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-r.frames:
			_ = r.client.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := r.client.WriteMessage(f.kind, f.data); err != nil {
				r.stop(websocket.CloseNormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := r.client.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				r.stop(websocket.CloseNormalClosure, "")
				return
			}

		case <-r.ctx.Done():
			s.writeClose(r.client, r.reason.code, r.reason.text)
			_ = r.upstream.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.cfg.WriteWait))
			return
		}
	}
}

func (s *Server) writeClose(conn *websocket.Conn, code int, text string) {
	switch code {
	case websocket.CloseNoStatusReceived:
		code = websocket.CloseNormalClosure
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake, 0:
		code = websocket.CloseInternalServerErr
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(s.cfg.WriteWait))
}

func (s *Server) register(r *relay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relays[r.instanceID] == nil {
		s.relays[r.instanceID] = make(map[string]*relay)
	}
	s.relays[r.instanceID][r.id] = r
}

func (s *Server) unregister(r *relay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.relays[r.instanceID]; ok {
		delete(set, r.id)
		if len(set) == 0 {
			delete(s.relays, r.instanceID)
		}
	}
}

// CloseInstance ends every relay attached to an instance.
func (s *Server) CloseInstance(inst domain.Instance) {
	s.mu.Lock()
	var targets []*relay
	for _, r := range s.relays[inst.ID] {
		targets = append(targets, r)
	}
	s.mu.Unlock()

	for _, r := range targets {
		r.stop(websocket.CloseGoingAway, "instance "+string(inst.Status))
	}
}

// ActiveRelays returns the number of open relays for an instance.
func (s *Server) ActiveRelays(instanceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.relays[instanceID])
}

// Close ends all relays.
func (s *Server) Close() {
	s.mu.Lock()
	var targets []*relay
	for _, set := range s.relays {
		for _, r := range set {
			targets = append(targets, r)
		}
	}
	s.mu.Unlock()

	for _, r := range targets {
		r.stop(websocket.CloseGoingAway, "server shutting down")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
