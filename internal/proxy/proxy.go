// Package proxy implements the full-duplex WebSocket proxy that sits
// between an MCP client and the real tool server, enforcing guard
// decisions on every client-to-upstream tool_call frame; upstream frames
// are relayed to the client unchecked.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/toolguard/toolguard/internal/guard"
	"github.com/toolguard/toolguard/internal/guarderr"
	"github.com/toolguard/toolguard/internal/telemetry"
	"github.com/toolguard/toolguard/internal/wire"
)

// Proxy accepts client WebSocket connections, dials a single upstream
// target for each, and forwards frames in both directions, intercepting
// tool_call messages for policy enforcement.
type Proxy struct {
	Target  string
	Guard   *guard.Guard
	Metrics *Metrics
	tracer  *telemetry.Provider
}

// Option customizes a Proxy at construction time.
type Option func(*Proxy)

// WithTelemetry attaches a tracer emitting one span per proxied frame.
// Defaults to a no-op provider.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(px *Proxy) { px.tracer = p }
}

// New builds a Proxy targeting a single upstream URL.
func New(target string, g *guard.Guard, opts ...Option) *Proxy {
	p := &Proxy{Target: target, Guard: g, Metrics: &Metrics{}, tracer: telemetry.NoopProvider()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ServeHTTP upgrades the incoming request to a WebSocket connection,
// dials the upstream target, and relays frames until either side closes
// or errors, per spec's accept/dial/two-forwarders/cancel-on-first-error
// lifecycle.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	logger := slog.With("conn_id", connID)

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	identity, err := p.Guard.Authenticator.Identify(headers)
	if err != nil {
		logger.Warn("rejecting connection", "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Error("accepting client connection", "error", err)
		return
	}
	defer clientConn.CloseNow()

	upstreamConn, _, err := websocket.Dial(r.Context(), p.Target, nil)
	if err != nil {
		logger.Error("dialing upstream", "error", err)
		p.Metrics.incErrors()
		clientConn.Close(websocket.StatusInternalError, "upstream dial failed")
		return
	}
	defer upstreamConn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	var firstErr error
	var once sync.Once
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	go func() {
		defer wg.Done()
		fail(p.clientToUpstream(ctx, connID, identity, clientConn, upstreamConn, logger))
	}()
	go func() {
		defer wg.Done()
		fail(p.upstreamToClient(ctx, connID, upstreamConn, clientConn))
	}()
	wg.Wait()

	if firstErr != nil && ctx.Err() == nil {
		logger.Warn("proxy session ended with error", "error", firstErr)
	}
}

// clientToUpstream relays frames from the client, intercepting tool_call
// messages for guard enforcement before they reach upstream.
func (p *Proxy) clientToUpstream(ctx context.Context, connID, identity string, client, upstream *websocket.Conn, logger *slog.Logger) error {
	for {
		msgType, data, err := client.Read(ctx)
		if err != nil {
			return err
		}
		if err := p.handleClientFrame(ctx, connID, identity, client, upstream, msgType, data, logger); err != nil {
			return err
		}
	}
}

// handleClientFrame classifies and relays a single client-to-upstream
// frame under its own span.
func (p *Proxy) handleClientFrame(ctx context.Context, connID, identity string, client, upstream *websocket.Conn, msgType websocket.MessageType, data []byte, logger *slog.Logger) error {
	if msgType != websocket.MessageText {
		spanCtx, span := p.tracer.StartFrameSpan(ctx, connID, "binary")
		defer span.End()
		return upstream.Write(spanCtx, msgType, data)
	}

	var call wire.ToolCall
	if err := json.Unmarshal(data, &call); err != nil || call.Type != wire.ToolCallType {
		spanCtx, span := p.tracer.StartFrameSpan(ctx, connID, "passthrough")
		defer span.End()
		return upstream.Write(spanCtx, msgType, data)
	}

	spanCtx, span := p.tracer.StartFrameSpan(ctx, connID, wire.ToolCallType)
	defer span.End()
	return p.enforceAndForward(spanCtx, identity, client, upstream, data, call, logger)
}

// enforceAndForward runs the guard against one decoded tool_call message,
// forwarding it upstream on allow or sending a denial envelope on deny.
// An allow audit record is written before the frame reaches upstream.
// identity comes from the connection's transport-level authentication,
// never from the client-supplied call.Identity field, so a client cannot
// forge its own principal.
func (p *Proxy) enforceAndForward(ctx context.Context, identity string, client, upstream *websocket.Conn, raw []byte, call wire.ToolCall, logger *slog.Logger) error {
	var promptPtr *string
	if call.Prompt != "" {
		promptPtr = &call.Prompt
	}

	decision, err := p.Guard.CheckTool(ctx, identity, call.Tool, promptPtr, call.Resources)
	if err != nil {
		return p.denyOrFail(ctx, client, err, logger)
	}

	requestHash := p.Guard.Attest(call)
	p.Guard.LogAllow(identity, call.Tool, decision.Findings, requestHash, "")
	p.Metrics.incAllowed()
	return upstream.Write(ctx, websocket.MessageText, raw)
}

// denyOrFail classifies a guard error into a client-visible denial
// envelope, or returns it unwrapped if it isn't one of the guard's
// client-facing error types.
func (p *Proxy) denyOrFail(ctx context.Context, client *websocket.Conn, guardErr error, logger *slog.Logger) error {
	var denied *guarderr.PolicyDenied
	var unauth *guarderr.Unauthorized

	var denial wire.DenialError
	switch {
	case errors.As(guardErr, &denied):
		p.Metrics.incDenied()
		denial = wire.NewDenial("PolicyDenied", denied.Error(), denied.Details)
	case errors.As(guardErr, &unauth):
		p.Metrics.incDenied()
		denial = wire.NewDenial("Unauthorized", unauth.Error(), nil)
	default:
		p.Metrics.incErrors()
		logger.Error("guard check failed", "error", guardErr)
		return guardErr
	}

	payload, err := json.Marshal(denial)
	if err != nil {
		return err
	}
	return client.Write(ctx, websocket.MessageText, payload)
}

// upstreamToClient relays every frame from upstream to the client
// verbatim; no distinction is drawn by content on this direction.
func (p *Proxy) upstreamToClient(ctx context.Context, connID string, upstream, client *websocket.Conn) error {
	for {
		msgType, data, err := upstream.Read(ctx)
		if err != nil {
			return err
		}
		spanCtx, span := p.tracer.StartFrameSpan(ctx, connID, "upstream")
		err = client.Write(spanCtx, msgType, data)
		span.End()
		if err != nil {
			return err
		}
	}
}

// Healthy always reports true: the proxy has no external dependency that
// would make it unable to accept connections once running.
func (p *Proxy) Healthy() bool {
	return true
}
