package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/promptgate/promptgate/internal/providers"
	"github.com/promptgate/promptgate/internal/stream"
)

// streamOutcome summarizes how a fragment stream ended.
type streamOutcome struct {
	kind      string // "done", "error", "cancelled"
	fragments int
}

// streamEvents delivers the fragment stream to the client as SSE records.
//
// Event ordering: zero or more chunk events, then exactly one terminal
// record. A request whose context is cancelled ends with a cancelled event
// even when the upstream had already been fully read; cancellation always
// wins that race.
func (g *Gateway) streamEvents(w http.ResponseWriter, r *http.Request, fragments providers.FragmentStream,
	model, providerName string) streamOutcome {
	defer func() { _ = fragments.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		log.Warn().Msg("streaming not supported by response writer, events will be buffered")
	}
	emit := func(ev stream.Event) {
		payload, err := ev.Encode()
		if err != nil {
			log.Error().Err(err).Msg("failed to encode stream event")
			return
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		if canFlush {
			flusher.Flush()
		}
	}
	emitSentinel := func() {
		_, _ = io.WriteString(w, "data: "+stream.DoneSentinel+"\n\n")
		if canFlush {
			flusher.Flush()
		}
	}

	outcome := streamOutcome{}
	for {
		frag, err := fragments.Next()
		if err == nil {
			emit(stream.Event{Type: stream.EventChunk, Content: frag, Model: model, Provider: providerName})
			g.metrics.RecordFragment(len(frag))
			outcome.fragments++
			continue
		}

		switch {
		case err == io.EOF && r.Context().Err() != nil:
			// The upstream finished but the client had already cancelled.
			outcome.kind = "cancelled"
			emit(stream.Event{Type: stream.EventCancelled, Message: "request cancelled"})
		case err == io.EOF:
			outcome.kind = "done"
			emitSentinel()
		case errors.Is(err, context.Canceled):
			outcome.kind = "cancelled"
			emit(stream.Event{Type: stream.EventCancelled, Message: "request cancelled"})
		default:
			outcome.kind = "error"
			emit(stream.Event{Type: stream.EventError, Message: upstreamErrorMessage(err)})
		}
		return outcome
	}
}

// respondBuffered drains the fragment stream and answers with one JSON body.
func (g *Gateway) respondBuffered(w http.ResponseWriter, r *http.Request, fragments providers.FragmentStream,
	model, providerName string) streamOutcome {
	defer func() { _ = fragments.Close() }()

	var content strings.Builder
	outcome := streamOutcome{}
	for {
		frag, err := fragments.Next()
		if err == nil {
			content.WriteString(frag)
			g.metrics.RecordFragment(len(frag))
			outcome.fragments++
			continue
		}
		if err == io.EOF {
			if r.Context().Err() != nil {
				outcome.kind = "cancelled"
				return outcome
			}
			break
		}
		if errors.Is(err, context.Canceled) {
			outcome.kind = "cancelled"
			return outcome
		}
		outcome.kind = "error"
		g.writeError(w, upstreamErrorMessage(err), upstreamErrorStatus(err))
		return outcome
	}

	outcome.kind = "done"
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ChatResponse{
		Success:  true,
		Content:  content.String(),
		Model:    model,
		Provider: providerName,
	})
	return outcome
}
