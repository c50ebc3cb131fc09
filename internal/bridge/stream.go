package bridge

import (
	"bufio"
	"encoding/json"
	"strings"
)

const doneSentinel = "[DONE]"

// StreamState accumulates the handful of translation decisions that
// must persist across SSE chunks: whether message_start has already
// been emitted, and which content block index text deltas use.
type StreamState struct {
	started    bool
	blockIndex int
	blockOpen  bool
}

// NewStreamState starts a fresh streaming translation.
func NewStreamState() *StreamState {
	return &StreamState{blockIndex: -1}
}

// Start returns the events that must precede any upstream bytes: a
// synthesized message_start carrying an empty-content envelope.
func (s *StreamState) Start(model string) []SSEEvent {
	if s.started {
		return nil
	}
	s.started = true
	return []SSEEvent{{
		Event: "message_start",
		Data: MessageStartEvent{
			Type: "message_start",
			Message: AnthropicResponse{
				ID:      "msg_" + randomID24(),
				Type:    "message",
				Role:    "assistant",
				Model:   model,
				Content: []ContentBlock{},
			},
		},
	}}
}

// TranslateChunk converts one decoded upstream ChatCompletionChunk
// into zero or more Anthropic SSE events.
func (s *StreamState) TranslateChunk(chunk *ChatCompletionChunk) []SSEEvent {
	var events []SSEEvent
	if len(chunk.Choices) == 0 {
		return events
	}
	delta := chunk.Choices[0].Delta
	if delta.Content == "" {
		return events
	}
	if !s.blockOpen {
		s.blockIndex++
		s.blockOpen = true
		events = append(events, SSEEvent{
			Event: "content_block_start",
			Data: ContentBlockStartEvent{
				Type:         "content_block_start",
				Index:        s.blockIndex,
				ContentBlock: ContentBlock{Type: "text", Text: ""},
			},
		})
	}
	events = append(events, SSEEvent{
		Event: "content_block_delta",
		Data: ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: s.blockIndex,
			Delta: Delta{Type: "text_delta", Text: delta.Content},
		},
	})
	return events
}

// Stop returns the events that close out the stream: a
// content_block_stop if a block is open, followed by message_stop.
func (s *StreamState) Stop() []SSEEvent {
	var events []SSEEvent
	if s.blockOpen {
		events = append(events, SSEEvent{
			Event: "content_block_stop",
			Data:  ContentBlockStopEvent{Type: "content_block_stop", Index: s.blockIndex},
		})
		s.blockOpen = false
	}
	events = append(events, SSEEvent{Event: "message_stop", Data: MessageStopEvent{Type: "message_stop"}})
	return events
}

// SSEEvent is one event name + JSON payload to write to the client as
// "event: <name>\ndata: <json>\n\n".
type SSEEvent struct {
	Event string
	Data  any
}

// WriteSSE serializes an SSEEvent in the wire format clients expect.
func WriteSSE(w *bufio.Writer, ev SSEEvent) error {
	if _, err := w.WriteString("event: " + ev.Event + "\n"); err != nil {
		return err
	}
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if _, err := w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		return err
	}
	return w.Flush()
}

// SSEScanner splits a raw upstream byte stream into complete SSE
// events (delimited by a blank line), buffering partial events until
// enough bytes have arrived. It exposes only the "data:" payload of
// each event, since the upstream here never emits named events.
type SSEScanner struct {
	buf strings.Builder
}

// Feed appends newly-read bytes and returns every complete data
// payload that can now be extracted, plus whether [DONE] was seen.
func (sc *SSEScanner) Feed(chunk []byte) (payloads []string, done bool) {
	sc.buf.Write(chunk)
	raw := sc.buf.String()

	for {
		idx := strings.Index(raw, "\n\n")
		if idx == -1 {
			break
		}
		event := raw[:idx]
		raw = raw[idx+2:]

		for _, line := range strings.Split(event, "\n") {
			line = strings.TrimRight(line, "\r")
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == doneSentinel {
				done = true
				continue
			}
			if payload != "" {
				payloads = append(payloads, payload)
			}
		}
	}

	sc.buf.Reset()
	sc.buf.WriteString(raw)
	return payloads, done
}
