// Package eventsigner wraps kernel lifecycle events into signed, dedupe-keyed
// envelopes. Signing uses HMAC-SHA256 over a canonical JSON encoding with
// recursively sorted keys so the signature is stable regardless of wire
// field order.
package eventsigner

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SignatureVersion is the constant algorithm tag carried on every envelope.
const SignatureVersion = "v1-hmac-sha256"

// DevSecret is used when no secret is configured. Signer logs a warning
// through the caller (construction time, not emit time) when it falls back
// to this value — see cmd/kerneld for the startup check.
const DevSecret = "horology-kernel-dev-secret-do-not-use-in-production"

// Envelope is the signed wrapper delivered to subscribers.
type Envelope struct {
	EnvelopeID        uuid.UUID `json:"envelope_id"`
	TenantID          string    `json:"tenant_id"`
	OccurredAtISO     string    `json:"occurred_at_iso"`
	DedupeKey         string    `json:"dedupe_key"`
	TraceID           *string   `json:"trace_id"`
	SignatureVersion  string    `json:"signature_version"`
	Signature         string    `json:"signature"`
	Event             Event     `json:"event"`
}

// Event is the inner payload of an envelope.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Signer produces and verifies envelope signatures with a fixed secret.
type Signer struct {
	secret []byte
}

// New constructs a Signer. An empty secret is rejected — callers that want
// the development fallback must pass eventsigner.DevSecret explicitly so
// the choice is visible at the call site.
func New(secret string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("eventsigner: secret must not be empty")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign builds and signs an envelope for the given tenant/event.
func (s *Signer) Sign(tenantID, dedupeKey string, traceID *string, eventType string, data any, occurredAt time.Time) (*Envelope, error) {
	env := &Envelope{
		EnvelopeID:       uuid.New(),
		TenantID:         tenantID,
		OccurredAtISO:    occurredAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		DedupeKey:        dedupeKey,
		TraceID:          traceID,
		SignatureVersion: SignatureVersion,
		Event:            Event{Type: eventType, Data: data},
	}

	sig, err := s.sign(env)
	if err != nil {
		return nil, fmt.Errorf("eventsigner: sign: %w", err)
	}
	env.Signature = sig
	return env, nil
}

// Verify recomputes the signature over the declared fields and compares it
// to the stored one in constant time.
func (s *Signer) Verify(env *Envelope) (bool, error) {
	expected, err := s.sign(env)
	if err != nil {
		return false, fmt.Errorf("eventsigner: verify: %w", err)
	}
	return hmac.Equal([]byte(expected), []byte(env.Signature)), nil
}

// sign computes the lowercase-hex HMAC-SHA256 over the canonical JSON of the
// signed fields (everything except Signature itself).
func (s *Signer) sign(env *Envelope) (string, error) {
	signed := map[string]any{
		"envelope_id":        env.EnvelopeID.String(),
		"tenant_id":          env.TenantID,
		"occurred_at_iso":    env.OccurredAtISO,
		"dedupe_key":         env.DedupeKey,
		"trace_id":           env.TraceID,
		"event_type":         env.Event.Type,
		"event":              env.Event.Data,
	}

	canonical, err := CanonicalJSON(signed)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// CanonicalJSON marshals v to JSON with every object's keys recursively
// sorted lexicographically ascending, producing a byte-stable encoding
// independent of map iteration order or struct field order.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through json.Marshal/Unmarshal into a generic any tree so
	// struct values and maps are normalized the same way, then re-encode
	// that tree with keys sorted at every level.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}

	var buf []byte
	buf, err = appendCanonical(buf, tree)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, '}')
		return buf, nil

	case []any:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, item)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	}
}
