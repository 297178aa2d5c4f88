// Package protocol implements the pool wire protocol: JSON messages tagged
// by a "type" field, carried one per frame over WebSocket or newline-delimited
// TCP, and the per-connection Session that reads and writes them.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bardlex/orepool/pkg/errors"
)

// Message types
const (
	TypeRegister         = "register"
	TypeSubmitHash       = "submit_hash"
	TypeValidationResult = "validation_result"

	TypeRegistered    = "registered"
	TypeValidateHash  = "validate_hash"
	TypeHashConfirmed = "hash_confirmed"
	TypeHashRejected  = "hash_rejected"
	TypeError         = "error"
)

// Client-facing error texts
const (
	MsgInvalidFormat = "Invalid message format"
	MsgUnknownType   = "Unknown message type"
	MsgUnauthorized  = "Not authorized as validator"
)

// Message is any frame of the pool protocol. The set is closed: only types
// declared in this package implement it.
type Message interface {
	MessageType() string
	stamp(t string)
}

// Header carries the discriminator every frame starts with
type Header struct {
	Type string `json:"type"`
}

func (h *Header) stamp(t string) {
	if h.Type == "" {
		h.Type = t
	}
}

// Register announces the sender's wallet address.
type Register struct {
	Header
	Address string `json:"address"`
}

// SubmitHash carries a proof-of-work candidate from a miner. MinerAddress
// may be omitted by registered clients.
type SubmitHash struct {
	Header
	MinerAddress string  `json:"minerAddress,omitempty"`
	Hash         string  `json:"hash"`
	Difficulty   int64   `json:"difficulty"`
	Nonce        *string `json:"nonce,omitempty"`
}

// ValidationResult is the validator's verdict on a forwarded hash.
type ValidationResult struct {
	Header
	HashID    string  `json:"hashId"`
	Success   bool    `json:"success"`
	Signature *string `json:"signature,omitempty"`
	Error     *string `json:"error,omitempty"`
}

// Registered acknowledges a register message.
type Registered struct {
	Header
	IsValidator bool `json:"isValidator"`
}

// ValidateHash forwards a stored submission to the validator.
type ValidateHash struct {
	Header
	HashID       string  `json:"hashId"`
	Hash         string  `json:"hash"`
	Difficulty   int64   `json:"difficulty"`
	MinerAddress string  `json:"minerAddress"`
	Nonce        *string `json:"nonce"`
}

// HashOutcome notifies a miner that its hash was confirmed or rejected.
type HashOutcome struct {
	Header
	HashID    string  `json:"hashId"`
	Signature *string `json:"signature"`
	Error     *string `json:"error"`
}

// ErrorReply reports a failure to process the previous message.
type ErrorReply struct {
	Header
	Message string `json:"message"`
}

func (*Register) MessageType() string         { return TypeRegister }
func (*SubmitHash) MessageType() string       { return TypeSubmitHash }
func (*ValidationResult) MessageType() string { return TypeValidationResult }
func (*Registered) MessageType() string       { return TypeRegistered }
func (*ValidateHash) MessageType() string     { return TypeValidateHash }
func (*ErrorReply) MessageType() string       { return TypeError }

// MessageType is hash_confirmed or hash_rejected depending on the header.
func (m *HashOutcome) MessageType() string {
	if m.Type == "" {
		return TypeHashRejected
	}
	return m.Type
}

// Confirmed reports whether the outcome is a confirmation
func (m *HashOutcome) Confirmed() bool {
	return m.Type == TypeHashConfirmed
}

// NewHashOutcome builds the notification for a finalized record
func NewHashOutcome(confirmed bool, hashID string, signature, errMsg *string) *HashOutcome {
	t := TypeHashRejected
	if confirmed {
		t = TypeHashConfirmed
	}
	return &HashOutcome{
		Header:    Header{Type: t},
		HashID:    hashID,
		Signature: signature,
		Error:     errMsg,
	}
}

// NewError builds an error reply
func NewError(message string) *ErrorReply {
	return &ErrorReply{Message: message}
}

// Encode serializes m with its type discriminator set
func Encode(m Message) ([]byte, error) {
	m.stamp(m.MessageType())
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", m.MessageType(), err)
	}
	return data, nil
}

var inboundTypes = map[string]func() Message{
	TypeRegister:         func() Message { return &Register{} },
	TypeSubmitHash:       func() Message { return &SubmitHash{} },
	TypeValidationResult: func() Message { return &ValidationResult{} },
}

var outboundTypes = map[string]func() Message{
	TypeRegistered:    func() Message { return &Registered{} },
	TypeValidateHash:  func() Message { return &ValidateHash{} },
	TypeHashConfirmed: func() Message { return &HashOutcome{} },
	TypeHashRejected:  func() Message { return &HashOutcome{} },
	TypeError:         func() Message { return &ErrorReply{} },
}

// DecodeInbound parses a client-to-server frame into *Register, *SubmitHash
// or *ValidationResult.
func DecodeInbound(data []byte) (Message, error) {
	msg, err := decode(data, inboundTypes)
	if err != nil {
		return nil, err
	}
	if err := checkInbound(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeOutbound parses a server-to-client frame. Used by pool clients.
func DecodeOutbound(data []byte) (Message, error) {
	return decode(data, outboundTypes)
}

func decode(data []byte, known map[string]func() Message) (Message, error) {
	var hdr Header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "decode", MsgInvalidFormat)
	}

	ctor, ok := known[hdr.Type]
	if !ok {
		return nil, errors.New(errors.ErrorTypeProtocol, "decode",
			fmt.Sprintf("%s: %q", MsgUnknownType, hdr.Type)).
			WithContext("type", hdr.Type)
	}

	msg := ctor()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "decode", MsgInvalidFormat).
			WithContext("type", hdr.Type)
	}
	return msg, nil
}

func checkInbound(msg Message) error {
	switch m := msg.(type) {
	case *Register:
		if m.Address == "" {
			return errors.New(errors.ErrorTypeValidation, "register", "address is required")
		}
	case *ValidationResult:
		if m.HashID == "" {
			return errors.New(errors.ErrorTypeValidation, "validation_result", "hashId is required")
		}
	}
	return nil
}
