// Package rtmt implements the realtime middle tier: a stateful WebSocket
// relay between an untrusted client (browser UI or telephony media stream)
// and the upstream Realtime generative-model endpoint.
//
// The middle tier authenticates to the upstream on the client's behalf,
// enforces the server-side session configuration on every session.update the
// client sends, translates the telephony audio-stream dialect to and from the
// upstream dialect, and intercepts model-initiated function calls: it hides
// them from the client, executes the registered tool, and feeds the result
// back into the upstream conversation so that neither side observes that a
// tool ran.
//
// All per-session state lives in the processor created by [MiddleTier.HandleSession]
// and dies with the session. The tool registry and the enforced configuration
// are shared across sessions and read-only after startup, with the single
// exception of the voice, which the control API may change between sessions.
package rtmt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/tools"
)

const (
	// apiVersion is the upstream realtime API version negotiated on dial.
	apiVersion = "2024-10-01-preview"

	// realtimePath is the upstream WebSocket path.
	realtimePath = "/openai/realtime"

	// dialTimeout bounds the upstream WebSocket handshake.
	dialTimeout = 10 * time.Second

	// clientRequestIDHeader is propagated from the client handshake to the
	// upstream handshake when present.
	clientRequestIDHeader = "x-ms-client-request-id"
)

// DefaultVoice is the voice used when none is configured.
const DefaultVoice = "alloy"

// MiddleTier relays sessions between clients and one upstream realtime
// deployment. One MiddleTier serves many concurrent sessions; it is safe for
// concurrent use.
type MiddleTier struct {
	endpoint   string
	deployment string
	key        string
	tokens     TokenProvider

	// Server-enforced session configuration. Nil pointer fields are absent:
	// they are stripped from client session.update events rather than
	// forwarded.
	model         string
	systemMessage string
	temperature   *float64
	maxTokens     *int
	disableAudio  *bool

	mu    sync.RWMutex
	voice string

	tools   *tools.Registry
	metrics *observe.Metrics
}

// Option is a functional option for configuring a MiddleTier.
type Option func(*MiddleTier)

// WithAPIKey authenticates upstream handshakes with a shared key sent in the
// api-key header.
func WithAPIKey(key string) Option {
	return func(mt *MiddleTier) { mt.key = key }
}

// WithTokenProvider authenticates upstream handshakes with bearer tokens from
// tp. Ignored when an API key is also configured.
func WithTokenProvider(tp TokenProvider) Option {
	return func(mt *MiddleTier) { mt.tokens = tp }
}

// WithModel sets the upstream deployment's model identifier enforced on
// sessions.
func WithModel(model string) Option {
	return func(mt *MiddleTier) { mt.model = model }
}

// WithSystemMessage sets the instructions enforced on every session.
func WithSystemMessage(msg string) Option {
	return func(mt *MiddleTier) { mt.systemMessage = msg }
}

// WithTemperature sets the sampling temperature enforced on every session.
func WithTemperature(t float64) Option {
	return func(mt *MiddleTier) { mt.temperature = &t }
}

// WithMaxTokens sets session.max_response_output_tokens enforced on every
// session.
func WithMaxTokens(n int) Option {
	return func(mt *MiddleTier) { mt.maxTokens = &n }
}

// WithDisableAudio sets session.disable_audio enforced on every session.
func WithDisableAudio(disable bool) Option {
	return func(mt *MiddleTier) { mt.disableAudio = &disable }
}

// WithVoice sets the initial voice. Mutable later via [MiddleTier.SetVoice].
func WithVoice(voice string) Option {
	return func(mt *MiddleTier) { mt.voice = voice }
}

// WithMetrics overrides the metrics instance, primarily for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(mt *MiddleTier) { mt.metrics = m }
}

// New creates a MiddleTier relaying to the realtime deployment at endpoint.
// Tools in reg are advertised to the model on every session; reg may be nil
// for a tool-less relay. Either [WithAPIKey] or [WithTokenProvider] must be
// supplied.
func New(endpoint, deployment string, reg *tools.Registry, opts ...Option) (*MiddleTier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("rtmt: endpoint must not be empty")
	}
	if deployment == "" {
		return nil, fmt.Errorf("rtmt: deployment must not be empty")
	}
	if reg == nil {
		reg = tools.NewRegistry()
	}

	mt := &MiddleTier{
		endpoint:   endpoint,
		deployment: deployment,
		voice:      DefaultVoice,
		tools:      reg,
	}
	for _, o := range opts {
		o(mt)
	}
	if mt.key == "" && mt.tokens == nil {
		return nil, fmt.Errorf("rtmt: an API key or token provider is required")
	}
	if mt.voice == "" {
		mt.voice = DefaultVoice
	}
	if mt.metrics == nil {
		mt.metrics = observe.DefaultMetrics()
	}
	return mt, nil
}

// Voice returns the voice enforced on new sessions.
func (mt *MiddleTier) Voice() string {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.voice
}

// SetVoice changes the voice enforced on subsequent sessions. Sessions
// already in flight keep whatever the model was last configured with.
func (mt *MiddleTier) SetVoice(voice string) {
	mt.mu.Lock()
	mt.voice = voice
	mt.mu.Unlock()
}

// HandleSession relays one client connection until either side closes.
//
// It dials the upstream with the configured credentials, then runs two
// forwarders concurrently: client→upstream and upstream→client, each feeding
// frames through the processor. When one forwarder exits the other is
// cancelled and both sockets are closed. Peer resets and normal closes are
// clean terminations, not errors.
//
// reqHeader is the client's handshake header; a x-ms-client-request-id value
// found there is propagated to the upstream handshake. telephony selects the
// telephony dialect translation for this session.
func (mt *MiddleTier) HandleSession(ctx context.Context, client *websocket.Conn, reqHeader http.Header, telephony bool) error {
	start := time.Now()
	mt.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		mt.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
		mt.metrics.SessionDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	}()

	upstream, err := mt.dialUpstream(ctx, reqHeader)
	if err != nil {
		client.Close(websocket.StatusInternalError, "upstream connect failed")
		return err
	}
	defer upstream.Close(websocket.StatusNormalClosure, "session ended")
	defer client.Close(websocket.StatusNormalClosure, "session ended")

	proc := newProcessor(mt, client, upstream, telephony)

	// Each forwarder owns one read side. The group context cancels the
	// sibling's blocked Read as soon as either forwarder exits.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pump(gctx, client, proc.processToUpstream)
	})
	g.Go(func() error {
		return pump(gctx, upstream, proc.processToClient)
	})

	if err := g.Wait(); err != nil && !isCleanClose(err) {
		return fmt.Errorf("rtmt: session: %w", err)
	}
	return nil
}

// pump reads text frames from conn and feeds them to handle until the
// connection closes, the context is cancelled, or handle reports a fatal
// session error.
func pump(ctx context.Context, conn *websocket.Conn, handle func(context.Context, []byte) error) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			observe.Logger(ctx).Warn("ignoring non-text websocket frame", "type", typ.String())
			continue
		}
		if err := handle(ctx, data); err != nil {
			return err
		}
	}
}

// dialUpstream opens the upstream realtime WebSocket with a bounded timeout,
// attaching either the shared key or a bearer token.
func (mt *MiddleTier) dialUpstream(ctx context.Context, reqHeader http.Header) (*websocket.Conn, error) {
	u, err := url.Parse(mt.endpoint)
	if err != nil {
		return nil, fmt.Errorf("rtmt: parse endpoint: %w", err)
	}
	u = u.JoinPath(realtimePath)
	q := u.Query()
	q.Set("api-version", apiVersion)
	q.Set("deployment", mt.deployment)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if rid := reqHeader.Get(clientRequestIDHeader); rid != "" {
		header.Set(clientRequestIDHeader, rid)
	}
	if mt.key != "" {
		header.Set("api-key", mt.key)
	} else {
		token, err := mt.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("rtmt: acquire token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	start := time.Now()
	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	mt.metrics.UpstreamConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("rtmt: dial upstream: %w", err)
	}
	return conn, nil
}

// isCleanClose reports whether err represents an orderly end of the session:
// a normal or going-away close frame, a peer reset, or cancellation of the
// sibling forwarder.
func isCleanClose(err error) bool {
	if err == nil {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}
