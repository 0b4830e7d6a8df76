// Package gateway translates between typed protocol messages and the signed
// JSON wire envelope. It holds no state beyond its codec configuration.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaptinlin/jsonschema"

	"openclaw/internal/domain"
)

// envelopeVersion is bumped only on incompatible wire changes.
const envelopeVersion = "1"

const envelopeSchema = `{
	"type": "object",
	"required": ["version", "event", "sender_id", "timestamp", "payload", "signature"],
	"properties": {
		"version": {"type": "string"},
		"event": {"type": "string", "enum": [
			"agent.announce",
			"agent.discover",
			"agent.discover.response",
			"agent.request",
			"agent.request.response",
			"agent.status.update"
		]},
		"sender_id": {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"},
		"payload": {"type": "object"},
		"signature": {"type": "string", "minLength": 1}
	}
}`

type envelope struct {
	Version   string          `json:"version"`
	Event     Kind            `json:"event"`
	SenderID  string          `json:"sender_id"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Config tunes envelope acceptance.
type Config struct {
	MaxAge time.Duration // reject envelopes older than this
	Skew   time.Duration // tolerated clock skew for future timestamps
}

func (c *Config) applyDefaults() {
	if c.MaxAge <= 0 {
		c.MaxAge = 5 * time.Minute
	}
	if c.Skew <= 0 {
		c.Skew = 30 * time.Second
	}
}

// Gateway encodes outbound messages with the local signer and decodes plus
// verifies inbound envelopes. Malformed, unsigned, or expired envelopes are
// rejected; the sender owns resubmission.
type Gateway struct {
	cfg      Config
	signer   domain.Signer
	verifier domain.Verifier
	schema   *jsonschema.Schema
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a gateway. The envelope schema is compiled once here; a
// compile failure is a programming error and reported immediately.
func New(cfg Config, signer domain.Signer, verifier domain.Verifier, logger *slog.Logger) (*Gateway, error) {
	cfg.applyDefaults()
	schema, err := jsonschema.NewCompiler().Compile([]byte(envelopeSchema))
	if err != nil {
		return nil, domain.NewSubSystemError("envelope", "compile", domain.ErrInternal, err.Error())
	}
	return &Gateway{
		cfg:      cfg,
		signer:   signer,
		verifier: verifier,
		schema:   schema,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Encode wraps one message in a signed envelope ready for the transport.
func (g *Gateway) Encode(senderID string, msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, domain.NewSubSystemError("envelope", "encode", domain.ErrInternal, err.Error())
	}

	ts := g.now().UTC().Format(time.RFC3339Nano)
	sig, err := g.signer.Sign(signingBytes(msg.Kind(), senderID, ts, payload))
	if err != nil {
		return nil, domain.NewSubSystemError("signature", "sign", domain.ErrInternal, err.Error())
	}

	env := envelope{
		Version:   envelopeVersion,
		Event:     msg.Kind(),
		SenderID:  senderID,
		Timestamp: ts,
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, domain.NewSubSystemError("envelope", "encode", domain.ErrInternal, err.Error())
	}
	return raw, nil
}

// Decode parses, schema-checks, verifies, and expiry-checks one envelope,
// returning the sender and the typed message. Every rejection is an
// ErrProtocol-class error.
func (g *Gateway) Decode(raw []byte) (string, Message, error) {
	result := g.schema.Validate(raw)
	if !result.IsValid() {
		return "", nil, domain.NewSubSystemError("envelope", "decode", domain.ErrProtocol,
			"envelope schema: "+result.Error())
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, domain.NewSubSystemError("envelope", "decode", domain.ErrProtocol, err.Error())
	}
	if env.Version != envelopeVersion {
		return "", nil, domain.NewSubSystemError("envelope", "decode", domain.ErrProtocol,
			"unsupported envelope version "+env.Version)
	}

	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return "", nil, domain.NewSubSystemError("envelope", "decode", domain.ErrProtocol,
			"bad timestamp: "+err.Error())
	}
	now := g.now()
	if now.Sub(ts) > g.cfg.MaxAge {
		return "", nil, domain.NewSubSystemError("expiry", "decode", domain.ErrProtocol,
			fmt.Sprintf("envelope expired, age %s", now.Sub(ts).Truncate(time.Millisecond)))
	}
	if ts.Sub(now) > g.cfg.Skew {
		return "", nil, domain.NewSubSystemError("expiry", "decode", domain.ErrProtocol,
			"envelope timestamp in the future")
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return "", nil, domain.NewSubSystemError("signature", "decode", domain.ErrProtocol,
			"bad signature encoding: "+err.Error())
	}
	if err := g.verifier.Verify(env.SenderID, signingBytes(env.Event, env.SenderID, env.Timestamp, env.Payload), sig); err != nil {
		g.logger.Warn("envelope signature rejected", "sender_id", env.SenderID, "event", string(env.Event))
		return "", nil, domain.NewSubSystemError("signature", "verify", domain.ErrProtocol, err.Error())
	}

	msg, err := decodePayload(env.Event, env.Payload)
	if err != nil {
		return "", nil, err
	}
	return env.SenderID, msg, nil
}

func decodePayload(kind Kind, payload json.RawMessage) (Message, error) {
	var (
		msg Message
		err error
	)
	switch kind {
	case KindAnnounce:
		var m Announce
		err = json.Unmarshal(payload, &m)
		msg = m
	case KindDiscover:
		var m Discover
		err = json.Unmarshal(payload, &m)
		msg = m
	case KindDiscoverResponse:
		var m DiscoverResponse
		err = json.Unmarshal(payload, &m)
		msg = m
	case KindRequest:
		var m Request
		err = json.Unmarshal(payload, &m)
		msg = m
	case KindRequestResponse:
		var m RequestResponse
		err = json.Unmarshal(payload, &m)
		msg = m
	case KindStatusUpdate:
		var m StatusUpdate
		err = json.Unmarshal(payload, &m)
		msg = m
	default:
		return nil, domain.NewSubSystemError("envelope", "decode", domain.ErrProtocol,
			"unknown event "+string(kind))
	}
	if err != nil {
		return nil, domain.NewSubSystemError("envelope", "decode", domain.ErrProtocol,
			string(kind)+": "+err.Error())
	}
	return msg, nil
}

// signingBytes is the canonical byte string both sides sign and verify.
func signingBytes(kind Kind, senderID, timestamp string, payload []byte) []byte {
	buf := make([]byte, 0, len(kind)+len(senderID)+len(timestamp)+len(payload)+3)
	buf = append(buf, kind...)
	buf = append(buf, '|')
	buf = append(buf, senderID...)
	buf = append(buf, '|')
	buf = append(buf, timestamp...)
	buf = append(buf, '|')
	buf = append(buf, payload...)
	return buf
}
