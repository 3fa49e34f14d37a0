package rtmt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/tools"
)

// wire is the frame-writing surface the processor needs from a WebSocket
// connection. *websocket.Conn satisfies it; tests substitute capture fakes.
type wire interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
}

// pendingToolCall tracks a model-initiated function call between the
// conversation.item.created event that announces it and the
// response.output_item.done event that carries its completed arguments.
type pendingToolCall struct {
	callID         string
	previousItemID string
}

// processor is the per-session state machine. It owns the pending tool-call
// table and runs the translation and interception rules for both directions.
//
// Each direction is single-threaded: processToUpstream runs only on the
// client→upstream forwarder and touches the enforced configuration, while
// processToClient runs only on the upstream→client forwarder and is the sole
// writer of the pending table. No locking is required.
type processor struct {
	mt        *MiddleTier
	client    wire
	upstream  wire
	telephony bool
	pending   map[string]pendingToolCall
}

func newProcessor(mt *MiddleTier, client, upstream wire, telephony bool) *processor {
	return &processor{
		mt:        mt,
		client:    client,
		upstream:  upstream,
		telephony: telephony,
		pending:   make(map[string]pendingToolCall),
	}
}

// ── Synthesized upstream events ───────────────────────────────────────────────

type responseCreateEvent struct {
	Type string `json:"type"`
}

type functionCallOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type functionCallOutputEvent struct {
	Type string                 `json:"type"`
	Item functionCallOutputItem `json:"item"`
}

// toolResponseEvent is the side-channel message surfacing a ToClient tool
// result to the browser UI.
type toolResponseEvent struct {
	Type           string `json:"type"`
	PreviousItemID string `json:"previous_item_id"`
	ToolName       string `json:"tool_name"`
	ToolResult     string `json:"tool_result"`
}

func (p *processor) sendJSON(ctx context.Context, w wire, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rtmt: marshal: %w", err)
	}
	return w.Write(ctx, websocket.MessageText, data)
}

// ── Client → upstream ─────────────────────────────────────────────────────────

// processToUpstream handles one text frame from the client. Telephony frames
// are translated to the upstream dialect first; session.update events are
// overwritten with the server-enforced configuration before forwarding.
func (p *processor) processToUpstream(ctx context.Context, data []byte) error {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		observe.Logger(ctx).Warn("dropping undecodable client frame", "err", err)
		p.mt.metrics.DecodeErrors.Add(ctx, 1, metric.WithAttributes(observe.Attr("direction", "to_upstream")))
		return nil
	}

	if p.telephony {
		msg = p.telephonyToUpstream(msg)
		if msg == nil {
			return nil
		}
	}

	if eventType(msg) == "session.update" {
		session, _ := msg["session"].(map[string]any)
		if session == nil {
			session = map[string]any{}
		}
		p.enforceSession(session)
		msg["session"] = session
	}

	p.mt.metrics.EventsForwarded.Add(ctx, 1, metric.WithAttributes(observe.Attr("direction", "to_upstream")))
	return p.sendJSON(ctx, p.upstream, msg)
}

// enforceSession overwrites the protected session fields with the
// server-enforced values. Client fields outside the protected set are
// preserved; protected fields with no server value are removed so the
// upstream never sees the client's attempt to set them.
func (p *processor) enforceSession(session map[string]any) {
	mt := p.mt

	session["voice"] = mt.Voice()

	set := func(key string, value any, present bool) {
		if present {
			session[key] = value
		} else {
			delete(session, key)
		}
	}
	set("model", mt.model, mt.model != "")
	set("instructions", mt.systemMessage, mt.systemMessage != "")
	set("temperature", deref(mt.temperature), mt.temperature != nil)
	set("max_response_output_tokens", deref(mt.maxTokens), mt.maxTokens != nil)
	set("disable_audio", deref(mt.disableAudio), mt.disableAudio != nil)

	if mt.tools.Len() > 0 {
		session["tool_choice"] = "auto"
	} else {
		session["tool_choice"] = "none"
	}
	session["tools"] = mt.tools.Schemas()
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// ── Upstream → client ─────────────────────────────────────────────────────────

// processToClient handles one text frame from the upstream. It consumes the
// five function-call event types, drives the tool loop, sanitises session
// events, and finally delivers the (possibly translated) event to the client.
//
// A returned error is fatal for the session; recoverable problems are logged
// and the frame dropped.
func (p *processor) processToClient(ctx context.Context, data []byte) error {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		observe.Logger(ctx).Warn("dropping undecodable upstream frame", "err", err)
		p.mt.metrics.DecodeErrors.Add(ctx, 1, metric.WithAttributes(observe.Attr("direction", "to_client")))
		return nil
	}

	evtType := eventType(msg)
	suppress := false

	switch evtType {
	case "session.created":
		// Hide the server-side tool and prompt configuration from clients.
		if session, ok := msg["session"].(map[string]any); ok {
			session["instructions"] = ""
			session["tools"] = []any{}
			session["tool_choice"] = "none"
			session["max_response_output_tokens"] = nil
		}

	case "session.updated":
		// Prompt the model to open the conversation whenever the session is
		// (re)configured, which includes the moment the client connects.
		if err := p.sendJSON(ctx, p.upstream, responseCreateEvent{Type: "response.create"}); err != nil {
			return err
		}

	case "response.output_item.added":
		suppress = itemType(msg) == "function_call"

	case "conversation.item.created":
		switch itemType(msg) {
		case "function_call":
			item := itemOf(msg)
			callID, _ := item["call_id"].(string)
			if _, exists := p.pending[callID]; !exists && callID != "" {
				previous, _ := msg["previous_item_id"].(string)
				p.pending[callID] = pendingToolCall{callID: callID, previousItemID: previous}
			}
			suppress = true
		case "function_call_output":
			suppress = true
		}

	case "response.function_call_arguments.delta", "response.function_call_arguments.done":
		suppress = true

	case "response.output_item.done":
		if itemType(msg) == "function_call" {
			if err := p.executeToolCall(ctx, itemOf(msg)); err != nil {
				return err
			}
			suppress = true
		}

	case "response.done":
		if n := len(p.pending); n > 0 {
			if n > 1 {
				observe.Logger(ctx).Warn("clearing multiple pending tool calls at response.done", "count", n)
			}
			clear(p.pending)
			if err := p.sendJSON(ctx, p.upstream, responseCreateEvent{Type: "response.create"}); err != nil {
				return err
			}
		}
		pruneFunctionCalls(msg)
	}

	if suppress {
		p.mt.metrics.EventsSuppressed.Add(ctx, 1, metric.WithAttributes(observe.Attr("type", evtType)))
		return nil
	}

	if p.telephony {
		out := upstreamToTelephony(msg)
		if out == nil {
			return nil
		}
		p.mt.metrics.EventsForwarded.Add(ctx, 1, metric.WithAttributes(observe.Attr("direction", "to_client")))
		return p.sendJSON(ctx, p.client, out)
	}

	p.mt.metrics.EventsForwarded.Add(ctx, 1, metric.WithAttributes(observe.Attr("direction", "to_client")))
	return p.sendJSON(ctx, p.client, msg)
}

// executeToolCall runs the tool named in a completed function_call item and
// feeds its output back upstream as a function_call_output conversation item.
// ToClient results are additionally surfaced to browser clients on the side
// channel. The upstream write happens before any later upstream event is
// processed, so the model always sees the output before continuing.
//
// An unknown call_id or an unregistered tool name means the server and model
// disagree about the advertised tools; both are fatal for the session.
func (p *processor) executeToolCall(ctx context.Context, item map[string]any) error {
	callID, _ := item["call_id"].(string)
	name, _ := item["name"].(string)

	pending, ok := p.pending[callID]
	if !ok {
		return fmt.Errorf("rtmt: function call %q with unknown call_id %q", name, callID)
	}
	tool, ok := p.mt.tools.Lookup(name)
	if !ok {
		return fmt.Errorf("rtmt: model requested unregistered tool %q", name)
	}

	args, _ := item["arguments"].(string)
	if args == "" {
		args = "{}"
	}

	start := time.Now()
	result, err := tool.Target(ctx, json.RawMessage(args))
	status := "ok"
	if err != nil {
		status = "error"
		// Tool failures are surfaced to the model, never to the client, and
		// never tear down the session.
		observe.Logger(ctx).Warn("tool execution failed", "tool", name, "err", err)
		result = tools.ServerResult(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	p.mt.metrics.RecordToolCall(ctx, name, status, time.Since(start).Seconds())

	output := ""
	if result.Destination == tools.ToServer {
		output = result.Text()
	}
	if err := p.sendJSON(ctx, p.upstream, functionCallOutputEvent{
		Type: "conversation.item.create",
		Item: functionCallOutputItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}); err != nil {
		return err
	}

	// Telephony sessions have no UI to receive side-channel messages.
	if result.Destination == tools.ToClient && !p.telephony {
		if err := p.sendJSON(ctx, p.client, toolResponseEvent{
			Type:           "extension.middle_tier_tool_response",
			PreviousItemID: pending.previousItemID,
			ToolName:       name,
			ToolResult:     result.Text(),
		}); err != nil {
			return err
		}
	}

	// The pending entry survives until response.done: its presence there is
	// what triggers the follow-up response.create that lets the model speak
	// about the tool output.
	return nil
}

// pruneFunctionCalls removes function_call entries from response.output in a
// response.done event so the client never learns a tool ran.
func pruneFunctionCalls(msg map[string]any) {
	response, ok := msg["response"].(map[string]any)
	if !ok {
		return
	}
	outputs, ok := response["output"].([]any)
	if !ok {
		return
	}
	kept := make([]any, 0, len(outputs))
	for _, out := range outputs {
		if m, ok := out.(map[string]any); ok {
			if t, _ := m["type"].(string); t == "function_call" {
				continue
			}
		}
		kept = append(kept, out)
	}
	response["output"] = kept
}

// ── Event field helpers ───────────────────────────────────────────────────────

func eventType(msg map[string]any) string {
	t, _ := msg["type"].(string)
	return t
}

func itemOf(msg map[string]any) map[string]any {
	item, _ := msg["item"].(map[string]any)
	return item
}

func itemType(msg map[string]any) string {
	t, _ := itemOf(msg)["type"].(string)
	return t
}
