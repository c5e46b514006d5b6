package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vihaar/vihaar-sw/pkg/cache"
)

// MessageType is a control message discriminator.
type MessageType string

const (
	MessagePrecacheImages MessageType = "PRECACHE_IMAGES"
	MessagePrecacheRoutes MessageType = "PRECACHE_ROUTES"
	MessageClearCache     MessageType = "CLEAR_CACHE"
	MessageSkipWaiting    MessageType = "SKIP_WAITING"
)

var errUnknownMessage = errors.New("unknown message type")

// Message is a control message posted by a page.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type PrecacheImagesPayload struct {
	Images []string `json:"images"`
}

type PrecacheRoutesPayload struct {
	Routes []string `json:"routes"`
}

// Reply answers a control message.
type Reply struct {
	Type  MessageType `json:"type"`
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
}

// NewMessage builds a message with a JSON-encoded payload. A nil payload is
// omitted.
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

func (t MessageType) known() bool {
	switch t {
	case MessagePrecacheImages, MessagePrecacheRoutes, MessageClearCache, MessageSkipWaiting:
		return true
	}
	return false
}

func (w *Worker) message(ctx context.Context, msg Message) Reply {
	label := string(msg.Type)
	if !msg.Type.known() {
		label = "unknown"
	}
	controlMessagesTotal.WithLabelValues(label).Inc()

	var err error
	switch msg.Type {
	case MessagePrecacheImages:
		var p PrecacheImagesPayload
		if err = decodePayload(msg, &p); err == nil {
			err = w.precacheList(ctx, w.names.Images, p.Images)
		}
	case MessagePrecacheRoutes:
		var p PrecacheRoutesPayload
		if err = decodePayload(msg, &p); err == nil {
			err = w.precacheList(ctx, w.names.AppShell, p.Routes)
		}
	case MessageClearCache:
		var deleted []string
		deleted, err = cache.DeleteAll(ctx, w.storage)
		w.logger.Info().Strs("caches", deleted).Msg("Cleared all caches")
	case MessageSkipWaiting:
		w.skipWaiting.Store(true)
		if w.onSkip != nil {
			err = w.onSkip(ctx, w)
		}
	default:
		w.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown message")
		err = errUnknownMessage
	}

	reply := Reply{Type: msg.Type, OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
		if !errors.Is(err, errUnknownMessage) {
			w.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("Control message failed")
		}
	}
	return reply
}

func decodePayload(msg Message, v any) error {
	if len(msg.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return nil
}

// precacheList resolves refs against the origin and precaches them best
// effort. Unresolvable entries are dropped.
func (w *Worker) precacheList(ctx context.Context, cacheName string, refs []string) error {
	urls := make([]string, 0, len(refs))
	for _, ref := range refs {
		u, err := w.cfg.Resolve(ref)
		if err != nil {
			w.logger.Warn().Err(err).Str("url", ref).Msg("Skipping unresolvable precache URL")
			continue
		}
		urls = append(urls, u)
	}
	_, err := w.batch.Precache(ctx, cacheName, urls)
	return err
}
