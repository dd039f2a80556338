package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"foundrychat/internal/service/agent"
	"foundrychat/internal/worker"
)

type chatRequest struct {
	Message string `json:"message"`
}

// failure kinds that do not come from the agent client
const (
	kindInvalidMessage  = "invalid_message"
	kindQueueFull       = "queue_full"
	kindUnavailable     = "unavailable"
	kindSessionNotFound = "session_not_found"
	kindInternal        = "internal"
)

var failureText = map[string]string{
	kindInvalidMessage:   "Please enter a message.",
	kindQueueFull:        "Too many messages are waiting for this conversation. Please try again in a moment.",
	kindUnavailable:      "The chat service is shutting down. Please try again shortly.",
	kindSessionNotFound:  "This conversation no longer exists. Please start a new one.",
	kindInternal:         "Sorry, I encountered an error processing your request.",
	"session_busy":       "Please wait for the current reply before sending another message.",
	"run_timeout":        "The agent is taking too long to respond. Please try again.",
	"run_failed":         "The agent could not complete your request. Please try again.",
	"no_content":         "I received your message, but I'm having trouble generating a response right now.",
	"thread_creation":    "Sorry, I cannot start a conversation at this moment. Please try again.",
	"message_submission": "Sorry, I could not deliver your message. Please try again.",
	"run_creation":       "Sorry, I cannot process your request at this moment. Please try again.",
	"unexpected_status":  "The agent stopped in an unexpected state. Please try again.",
	"remote_error":       "I'm having trouble reaching the agent right now. Please try again in a moment.",
}

// classifyTurnError maps a failed turn to an HTTP status, a failure kind and
// a message fit to show the user.
func classifyTurnError(err error) (int, string, string) {
	status, kind := http.StatusInternalServerError, kindInternal
	switch {
	case errors.Is(err, worker.ErrQueueFull):
		status, kind = http.StatusTooManyRequests, kindQueueFull
	case errors.Is(err, worker.ErrStopped):
		status, kind = http.StatusServiceUnavailable, kindUnavailable
	case errors.Is(err, sql.ErrNoRows):
		status, kind = http.StatusNotFound, kindSessionNotFound
	default:
		switch k := agent.KindOf(err); k {
		case "":
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				status, kind = http.StatusGatewayTimeout, "run_timeout"
			}
		case "session_busy":
			status, kind = http.StatusConflict, k
		case "run_timeout":
			status, kind = http.StatusGatewayTimeout, k
		default:
			status, kind = http.StatusBadGateway, k
		}
	}
	return status, kind, failureText[kind]
}

func (h *Handler) validateMessage(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	return text, utf8.RuneCountInString(text) <= h.opts.MaxMessageLength
}

func (h *Handler) bindChat(c *gin.Context) (string, bool) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": failureText[kindInvalidMessage], "error": kindInvalidMessage})
		return "", false
	}
	text, ok := h.validateMessage(req.Message)
	if !ok {
		msg := failureText[kindInvalidMessage]
		if text != "" {
			msg = fmt.Sprintf("Messages are limited to %d characters.", h.opts.MaxMessageLength)
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": msg, "error": kindInvalidMessage})
		return "", false
	}
	return text, true
}

func (h *Handler) source() string {
	if h.backend == nil {
		return "fallback"
	}
	return h.backend.Source()
}

func (h *Handler) chat(c *gin.Context) {
	sessionID, ok := h.authorizedSessionID(c)
	if !ok {
		return
	}
	text, ok := h.bindChat(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.TurnTimeout)
	defer cancel()
	turn, err := h.workers.Converse(worker.TurnRequest{Context: ctx, SessionID: sessionID, Text: text})
	if err != nil {
		status, kind, msg := classifyTurnError(err)
		log.Warn().Err(err).Str("session", sessionID).Str("kind", kind).Msg("chat turn failed")
		c.JSON(status, gin.H{"success": false, "message": msg, "error": kind})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   turn.Reply,
		"thread_id": turn.ThreadID,
		"run_id":    turn.RunID,
		"source":    h.source(),
	})
}

type turnOutcome struct {
	turn *agent.Turn
	err  error
}

func (h *Handler) chatStream(c *gin.Context) {
	sessionID, ok := h.authorizedSessionID(c)
	if !ok {
		return
	}
	text, ok := h.bindChat(c)
	if !ok {
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), h.opts.TurnTimeout)
	defer cancel()
	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := sendEvent("ack", gin.H{"session_id": sessionID, "content": text}); err != nil {
		return
	}

	// progress arrives on the worker goroutine; only this goroutine writes
	events := make(chan agent.Event, 64)
	progress := func(ev agent.Event) {
		select {
		case events <- ev:
		default:
		}
	}
	done := make(chan turnOutcome, 1)
	go func() {
		turn, err := h.workers.Converse(worker.TurnRequest{
			Context:   streamCtx,
			SessionID: sessionID,
			Text:      text,
			Progress:  progress,
		})
		done <- turnOutcome{turn: turn, err: err}
	}()

	for {
		select {
		case ev := <-events:
			if err := sendEvent("status", ev); err != nil {
				cancel()
				return
			}
		case out := <-done:
			for drained := false; !drained; {
				select {
				case ev := <-events:
					_ = sendEvent("status", ev)
				default:
					drained = true
				}
			}
			if out.err != nil {
				_, kind, msg := classifyTurnError(out.err)
				log.Warn().Err(out.err).Str("session", sessionID).Str("kind", kind).Msg("streamed turn failed")
				_ = sendEvent("error", gin.H{"message": msg, "error": kind})
				return
			}
			_ = sendEvent("done", gin.H{
				"message":           out.turn.Reply,
				"thread_id":         out.turn.ThreadID,
				"run_id":            out.turn.RunID,
				"source":            h.source(),
				"user_message":      out.turn.UserMessage,
				"assistant_message": out.turn.AssistantMessage,
			})
			return
		}
	}
}
