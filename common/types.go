package common

import (
	"encoding/json"
	"errors"

	"conference-e2ee/crypto/key_ed25519"
	"conference-e2ee/protocol/doubleratchet"
)

// EnvelopeTypeE2EE marks every message of the pairwise channel protocol.
const EnvelopeTypeE2EE = "e2ee"

var (
	ErrUnexpectedEnvelopeType = errors.New("unexpected envelope type")
	ErrUnknownMessageType     = errors.New("unknown message type")
)

// MessageType is the envelope discriminant.
type MessageType string

const (
	TypeSessionInit   MessageType = "session-init"
	TypePQSessionInit MessageType = "pq-session-init"
	TypePQSessionAck  MessageType = "pq-session-ack"
	TypeSessionAck    MessageType = "session-ack"
	TypeKeyInfo       MessageType = "key-info"
	TypeKeyInfoAck    MessageType = "key-info-ack"
	TypeError         MessageType = "error"
	TypeSasStart      MessageType = "sas-start"
	TypeSasAccept     MessageType = "sas-accept"
	TypeSasKey        MessageType = "sas-key"
	TypeSasMac        MessageType = "sas-mac"
)

// Known reports whether t is one of the protocol discriminants.
func (t MessageType) Known() bool {
	switch t {
	case TypeSessionInit, TypePQSessionInit, TypePQSessionAck, TypeSessionAck,
		TypeKeyInfo, TypeKeyInfoAck, TypeError,
		TypeSasStart, TypeSasAccept, TypeSasKey, TypeSasMac:
		return true
	}
	return false
}

// Envelope is the multiplexed wire message of the pairwise channels.
type Envelope struct {
	Type         MessageType     `json:"type"`
	EnvelopeType string          `json:"envelopeType"`
	Data         json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload into an envelope of the given type.
func NewEnvelope(t MessageType, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:         t,
		EnvelopeType: EnvelopeTypeE2EE,
		Data:         data,
	}, nil
}

// ParseEnvelope decodes raw bytes into an envelope, rejecting anything that
// does not belong to the protocol.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.EnvelopeType != EnvelopeTypeE2EE {
		return nil, ErrUnexpectedEnvelopeType
	}
	if !e.Type.Known() {
		return nil, ErrUnknownMessageType
	}
	return &e, nil
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals an envelope's data into the payload type of its
// discriminant.
func DecodePayload[T any](e *Envelope) (*T, error) {
	var payload T
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// RatchetMessage is one message of the classical channel: the ratchet header
// plus the ciphertext it authenticates.
type RatchetMessage struct {
	Header     doubleratchet.Header `json:"header"`
	Ciphertext []byte               `json:"ciphertext"`
}

// WrappedKey is a media-key component sealed under a peer's PQ shared secret
// (AES-256-GCM ciphertext plus the nonce used as IV).
type WrappedKey struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
}

// SessionInit opens a handshake: the initiator's one-time prekey bundle plus
// its KEM public key. uuid correlates the eventual session-ack.
type SessionInit struct {
	UUID        string                `json:"uuid"`
	IdentityKey key_ed25519.PublicKey `json:"identityKey"`
	Prekey      key_ed25519.PublicKey `json:"prekey"`
	PrekeySig   []byte                `json:"prekeySig"`
	OneTimeKey  key_ed25519.PublicKey `json:"oneTimeKey"`
	KEMKey      []byte                `json:"kemKey"`
}

// PQSessionInit carries the responder's KEM public key and the secret it
// encapsulated against the initiator's KEM key.
type PQSessionInit struct {
	UUID          string `json:"uuid"`
	KEMKey        []byte `json:"kemKey"`
	KEMCiphertext []byte `json:"kemCiphertext"`
}

// PQSessionAck returns the initiator's encapsulation against the responder's
// KEM key, completing the hybrid secret on both sides.
type PQSessionAck struct {
	UUID          string `json:"uuid"`
	KEMCiphertext []byte `json:"kemCiphertext"`
}

// SessionAck closes the handshake: the responder's key-agreement handshake
// (identity + ephemeral key), its current media-key components and index.
type SessionAck struct {
	UUID         string                `json:"uuid"`
	IdentityKey  key_ed25519.PublicKey `json:"identityKey"`
	EphemeralKey key_ed25519.PublicKey `json:"ephemeralKey"`
	Ciphertext   RatchetMessage        `json:"ciphertext"`
	PQKey        WrappedKey            `json:"pqKey"`
	Index        int                   `json:"index"`
}

// KeyInfo distributes the sender's current media key: classical component
// through the ratchet, PQ component sealed under the PQ secret.
type KeyInfo struct {
	UUID       string         `json:"uuid"`
	Ciphertext RatchetMessage `json:"ciphertext"`
	PQKey      WrappedKey     `json:"pqKey"`
	Index      int            `json:"index"`
}

// KeyInfoAck answers a KeyInfo with the receiver's own current key material
// so both sides converge.
type KeyInfoAck struct {
	UUID       string         `json:"uuid"`
	Ciphertext RatchetMessage `json:"ciphertext"`
	PQKey      WrappedKey     `json:"pqKey"`
	Index      int            `json:"index"`
}

// ErrorMessage reports a protocol failure to the peer. uuid is set when the
// failure answers a correlated request.
type ErrorMessage struct {
	UUID  string `json:"uuid,omitempty"`
	Error string `json:"error"`
}

// SasStart opens a verification; its uuid doubles as the transaction id and
// is the content the responder's commitment binds.
type SasStart struct {
	UUID string `json:"uuid"`
}

// SasAccept commits the responder to its (not yet revealed) ephemeral key.
type SasAccept struct {
	UUID       string `json:"uuid"`
	Commitment string `json:"commitment"`
}

// SasKey reveals a side's ephemeral verification key.
type SasKey struct {
	UUID string                `json:"uuid"`
	Key  key_ed25519.PublicKey `json:"key"`
}

// SasMac carries the MACs over the sender's signing keys: one per key id
// plus one over the sorted list of key ids.
type SasMac struct {
	UUID string            `json:"uuid"`
	Keys string            `json:"keys"`
	Mac  map[string]string `json:"mac"`
}
