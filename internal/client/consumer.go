package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/promptgate/promptgate/internal/stream"
	"github.com/promptgate/promptgate/internal/utils"
)

// State is the consumer's session state.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
)

// ErrBusy is returned by Submit while a stream is already active.
var ErrBusy = errors.New("a stream is already active")

// Handlers receive session events. OnChunk, OnDone and OnError fire on the
// reader goroutine in event arrival order. OnCancelled fires on whichever
// goroutine observed the cancellation: Cancel's caller for a local cancel,
// the reader for a server-sent cancelled event. Any handler may be nil.
type Handlers struct {
	OnChunk     func(text string)
	OnDone      func()
	OnError     func(message string)
	OnCancelled func(reason string)
}

// Consumer drives one prompt stream at a time against the gateway and
// accumulates the raw response buffer.
type Consumer struct {
	baseURL  string
	client   *http.Client
	conv     *Conversation
	handlers Handlers

	mu      sync.Mutex
	state   State
	buffer  strings.Builder
	lastErr string
	cancel  context.CancelFunc
}

// NewConsumer creates a consumer against baseURL (e.g. "http://localhost:8787").
func NewConsumer(baseURL string, conv *Conversation, handlers Handlers) *Consumer {
	return &Consumer{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{},
		conv:     conv,
		handlers: handlers,
		state:    StateIdle,
	}
}

// State returns the current session state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Buffer returns the raw text accumulated so far. After an Errored session
// this is the partial response received before the failure.
func (c *Consumer) Buffer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.String()
}

// LastError returns the message of the most recent error event, if any.
func (c *Consumer) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Submit starts a new stream for prompt against model. It rejects with
// ErrBusy while a previous stream is still active; any terminal state is a
// valid starting point and is reset.
func (c *Consumer) Submit(ctx context.Context, prompt, model string) error {
	c.mu.Lock()
	if c.state == StateStreaming {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateStreaming
	c.buffer.Reset()
	c.lastErr = ""
	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	fullPrompt := prompt
	if c.conv != nil {
		fullPrompt = c.conv.ContextPrompt(prompt)
	}

	body, err := utils.MarshalNoEscape(map[string]interface{}{
		"model":  model,
		"prompt": fullPrompt,
		"stream": true,
	})
	if err != nil {
		c.finish(StateErrored, err.Error())
		cancel()
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		c.finish(StateErrored, err.Error())
		cancel()
		return fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		if c.finishIfCancelled() {
			return nil
		}
		c.finish(StateErrored, err.Error())
		return fmt.Errorf("gateway request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("gateway returned status %d", resp.StatusCode)
		if body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096)); readErr == nil {
			if detail := gjson.GetBytes(body, "error.message").String(); detail != "" {
				msg = detail
			}
		}
		_ = resp.Body.Close()
		cancel()
		c.finish(StateErrored, msg)
		return errors.New(msg)
	}

	go c.consume(resp, prompt, model)
	return nil
}

// Cancel stops the active stream. The transition to Cancelled is local and
// immediate; the server's own cancelled event, if it still arrives, is
// ignored. Safe to call in any state.
func (c *Consumer) Cancel() {
	c.mu.Lock()
	if c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	c.state = StateCancelled
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c.handlers.OnCancelled != nil {
		c.handlers.OnCancelled("cancelled by user")
	}
}

// consume reads the SSE response until a terminal event.
func (c *Consumer) consume(resp *http.Response, prompt, model string) {
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		if payload == stream.DoneSentinel {
			if c.finishIfCancelled() {
				return
			}
			if c.conv != nil {
				c.conv.Append("user", prompt)
				c.conv.Append("assistant", c.Buffer())
			}
			c.finish(StateCompleted, "")
			if c.handlers.OnDone != nil {
				c.handlers.OnDone()
			}
			return
		}

		ev, ok := stream.Decode([]byte(payload))
		if !ok {
			log.Debug().Str("payload", payload).Msg("dropping undecodable event")
			continue
		}

		switch ev.Type {
		case stream.EventChunk:
			if !c.appendChunk(ev.Content) {
				// Locally cancelled; discard late chunks.
				return
			}
			if c.handlers.OnChunk != nil {
				c.handlers.OnChunk(ev.Content)
			}
		case stream.EventError:
			if c.finishIfCancelled() {
				return
			}
			c.finish(StateErrored, ev.Message)
			if c.handlers.OnError != nil {
				c.handlers.OnError(ev.Message)
			}
			return
		case stream.EventCancelled:
			// Server-side confirmation; a no-op after a local Cancel.
			if !c.finishIfCancelled() {
				c.finish(StateCancelled, "")
				if c.handlers.OnCancelled != nil {
					c.handlers.OnCancelled(ev.Message)
				}
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if c.finishIfCancelled() {
			return
		}
		c.finish(StateErrored, err.Error())
		if c.handlers.OnError != nil {
			c.handlers.OnError(err.Error())
		}
		return
	}

	// Stream ended without a terminal event.
	if c.finishIfCancelled() {
		return
	}
	c.finish(StateErrored, "stream ended unexpectedly")
	if c.handlers.OnError != nil {
		c.handlers.OnError("stream ended unexpectedly")
	}
}

// appendChunk adds text to the buffer unless the session was cancelled.
func (c *Consumer) appendChunk(text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming {
		return false
	}
	c.buffer.WriteString(text)
	return true
}

// finishIfCancelled reports whether the session was already locally
// cancelled, in which case later events must not change state.
func (c *Consumer) finishIfCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateCancelled
}

func (c *Consumer) finish(state State, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming {
		return
	}
	c.state = state
	c.lastErr = errMsg
}
