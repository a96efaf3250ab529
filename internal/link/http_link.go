package link

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lowaak/wristlink/internal/events"
	"github.com/lowaak/wristlink/internal/go_func_utils"
	"github.com/lowaak/wristlink/internal/protocol"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderReply     = "X-Wristlink-Reply"

	messagePath = "/v1/message"
	pingPath    = "/v1/ping"
)

type HTTPConfig struct {
	// ListenAddr is where the peer's messages are accepted, e.g. ":7421".
	ListenAddr string
	// PeerURL is the base URL of the other side, e.g. "http://watch.local:7421".
	PeerURL       string
	Replies       bool
	ReplyTimeout  time.Duration
	PingInterval  time.Duration
	ClientTimeout time.Duration
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		ListenAddr:    ":7421",
		Replies:       true,
		ReplyTimeout:  5 * time.Second,
		PingInterval:  2 * time.Second,
		ClientTimeout: 5 * time.Second,
	}
}

type pingResponse struct {
	Replies bool `json:"replies"`
}

// HTTPLink is a Link between two processes. Each side runs a small HTTP
// server for what the peer sends and posts its own payloads to the peer.
// Reachability follows a background ping; pairing is established by the
// first successful ping.
type HTTPLink struct {
	cfg    HTTPConfig
	logger *log.Logger
	client *http.Client

	server   *http.Server
	listener net.Listener

	receivers *events.CallbackEvent[Envelope]
	// Serialises dispatch of incoming payloads and the sending of outgoing ones.
	recvMu sync.Mutex
	sendMu sync.Mutex

	mu          sync.RWMutex
	paired      bool
	reachable   bool
	peerReplies bool
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Link = (*HTTPLink)(nil)

func NewHTTPLink(cfg HTTPConfig, logger *log.Logger) *HTTPLink {
	if logger == nil {
		panic("HTTPLink: logger cannot be nil")
	}
	defaults := DefaultHTTPConfig()
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaults.ReplyTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = defaults.ClientTimeout
	}
	cfg.PeerURL = strings.TrimRight(cfg.PeerURL, "/")

	ctx, cancel := context.WithCancel(context.Background())
	l := &HTTPLink{
		cfg:       cfg,
		logger:    logger,
		client:    &http.Client{},
		receivers: events.NewCallbackEvent[Envelope](false),
		ctx:       ctx,
		cancel:    cancel,
	}
	l.server = &http.Server{
		Handler:           l.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return l
}

func (l *HTTPLink) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(messagePath, l.handleMessage).Methods(http.MethodPost)
	r.HandleFunc(pingPath, l.handlePing).Methods(http.MethodGet)
	return r
}

// Start listens on ListenAddr and begins pinging the peer.
func (l *HTTPLink) Start() error {
	ln, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.ListenAddr, err)
	}
	l.listener = ln
	l.logger.Printf("HTTPLink: listening on %s, peer %s", ln.Addr(), l.cfg.PeerURL)

	l.wg.Add(1)
	go_func_utils.SafeGo(l.logger, func() {
		defer l.wg.Done()
		if err := l.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			l.logger.Printf("HTTPLink: serve: %v", err)
		}
	})

	l.wg.Add(1)
	go_func_utils.SafeGo(l.logger, func() {
		defer l.wg.Done()
		l.pingLoop()
	})
	return nil
}

// Addr is the bound listen address once started.
func (l *HTTPLink) Addr() string {
	if l.listener == nil {
		return l.cfg.ListenAddr
	}
	return l.listener.Addr().String()
}

func (l *HTTPLink) pingLoop() {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(l.ctx, l.cfg.ClientTimeout)
		_ = l.Ping(ctx)
		cancel()
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ping probes the peer and updates pairing and reachability.
func (l *HTTPLink) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.PeerURL+pingPath, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.setReachable(false)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		l.setReachable(false)
		return fmt.Errorf("%w: ping status %d", ErrUnreachable, resp.StatusCode)
	}
	var pr pingResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		l.setReachable(false)
		return fmt.Errorf("%w: ping body: %v", ErrUnreachable, err)
	}

	l.mu.Lock()
	if !l.paired {
		l.logger.Printf("HTTPLink: paired with %s", l.cfg.PeerURL)
	}
	l.paired = true
	l.peerReplies = pr.Replies
	l.mu.Unlock()
	l.setReachable(true)
	return nil
}

func (l *HTTPLink) setReachable(reachable bool) {
	l.mu.Lock()
	changed := l.reachable != reachable
	l.reachable = reachable
	l.mu.Unlock()
	if changed {
		l.logger.Printf("HTTPLink: peer reachable=%v", reachable)
	}
}

func (l *HTTPLink) IsPaired() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paired
}

func (l *HTTPLink) IsReachable() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reachable
}

// SupportsReply is true when both sides are configured for replies.
func (l *HTTPLink) SupportsReply() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Replies && l.peerReplies
}

func (l *HTTPLink) OnReceive(handler func(Envelope)) func() {
	return l.receivers.Listen(handler)
}

func (l *HTTPLink) check() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if !l.paired || !l.reachable {
		return ErrUnreachable
	}
	return nil
}

func (l *HTTPLink) Send(ctx context.Context, payload protocol.Payload) error {
	if err := l.check(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ClientTimeout)
	defer cancel()

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	resp, err := l.post(ctx, payload, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// SendWithReply holds the send lock only until the peer has accepted the
// payload, so later sends are not stuck behind the wait for an answer.
func (l *HTTPLink) SendWithReply(ctx context.Context, payload protocol.Payload) (protocol.Payload, error) {
	if !l.SupportsReply() {
		return nil, ErrNoReply
	}
	if err := l.check(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReplyTimeout+l.cfg.ClientTimeout)
	defer cancel()

	l.sendMu.Lock()
	resp, err := l.post(ctx, payload, true)
	l.sendMu.Unlock()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrNoReply, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var reply protocol.Payload
	if err := dec.Decode(&reply); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoReply
		}
		return nil, fmt.Errorf("%w: %v", ErrNoReply, err)
	}
	return reply, nil
}

func (l *HTTPLink) post(ctx context.Context, payload protocol.Payload, wantReply bool) (*http.Response, error) {
	body, err := json.Marshal(clonePayload(payload))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.PeerURL+messagePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if wantReply {
		req.Header.Set(HeaderReply, "1")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			l.setReachable(false)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return resp, nil
}

func (l *HTTPLink) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pingResponse{Replies: l.cfg.Replies}); err != nil {
		l.logger.Printf("HTTPLink: ping response: %v", err)
	}
}

func (l *HTTPLink) handleMessage(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(HeaderRequestID)

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var payload protocol.Payload
	if err := dec.Decode(&payload); err != nil {
		l.logger.Printf("HTTPLink: bad message %s: %v", requestID, err)
		http.Error(w, "invalid JSON object", http.StatusBadRequest)
		return
	}
	if payload == nil {
		payload = protocol.Payload{}
	}

	if r.Header.Get(HeaderReply) != "1" || !l.cfg.Replies {
		l.dispatch(Envelope{Payload: payload})
		w.WriteHeader(http.StatusAccepted)
		return
	}

	replyCh := make(chan protocol.Payload, 1)
	var once sync.Once
	l.dispatch(Envelope{
		Payload: payload,
		Reply: func(p protocol.Payload) {
			once.Do(func() { replyCh <- clonePayload(p) })
		},
	})

	// Committing the status tells the sender the payload was dispatched.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	timer := time.NewTimer(l.cfg.ReplyTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		if err := json.NewEncoder(w).Encode(reply); err != nil {
			l.logger.Printf("HTTPLink: reply %s: %v", requestID, err)
		}
	case <-timer.C:
		l.logger.Printf("HTTPLink: no reply for %s within %v", requestID, l.cfg.ReplyTimeout)
	case <-r.Context().Done():
	case <-l.ctx.Done():
	}
}

func (l *HTTPLink) dispatch(env Envelope) {
	l.recvMu.Lock()
	defer l.recvMu.Unlock()
	if l.receivers.ListenerCount() == 0 {
		l.logger.Println("HTTPLink: no receiver, dropping payload")
		return
	}
	l.receivers.Notify(env)
}

// Close stops the pinger and the server. Further sends fail with ErrClosed.
func (l *HTTPLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := l.server.Shutdown(ctx)
	l.wg.Wait()
	return err
}
