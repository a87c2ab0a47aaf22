package p2p

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/0xphantomotr/ndchat/pkg/types"
)

type PacketType string

const (
	PacketHandshake  PacketType = "HANDSHAKE"
	PacketMessage    PacketType = "MESSAGE"
	PacketDisconnect PacketType = "DISCONNECT"
)

var (
	ErrUnknownPacket   = errors.New("p2p: unknown packet type")
	ErrMalformedPacket = errors.New("p2p: malformed packet")
)

// Packet is one of Handshake, Message or Disconnect.
type Packet interface {
	Type() PacketType
}

type Handshake struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Address string    `json:"address"`
	Port    int       `json:"port"`
}

type Message struct {
	Text string `json:"text"`
	// Timestamp is in unix milliseconds.
	Timestamp int64         `json:"timestamp"`
	Voting    *types.Voting `json:"voting"`
}

type Disconnect struct {
	ID uuid.UUID `json:"id"`
}

func (Handshake) Type() PacketType  { return PacketHandshake }
func (Message) Type() PacketType    { return PacketMessage }
func (Disconnect) Type() PacketType { return PacketDisconnect }

func NewHandshake(h types.Host) Handshake {
	return Handshake{ID: h.ID, Name: h.Name, Address: h.Address, Port: h.Port}
}

func (h Handshake) Host() types.Host {
	return types.Host{ID: h.ID, Name: h.Name, Address: h.Address, Port: h.Port}
}

func NewMessage(msg types.ChatMessage) Message {
	return Message{Text: msg.Text, Timestamp: msg.Timestamp.UnixMilli(), Voting: msg.Voting}
}

// ChatMessage converts a received packet into a message attributed to sender.
func (m Message) ChatMessage(sender uuid.UUID) types.ChatMessage {
	return types.ChatMessage{
		Text:      m.Text,
		SenderID:  &sender,
		Timestamp: time.UnixMilli(m.Timestamp),
		Voting:    m.Voting,
	}
}

type handshakeFrame struct {
	Type PacketType `json:"type"`
	Handshake
}

type messageFrame struct {
	Type PacketType `json:"type"`
	Message
}

type disconnectFrame struct {
	Type PacketType `json:"type"`
	Disconnect
}

// EncodePacket returns the newline terminated wire form of p. JSON escapes
// newlines inside strings, so the payload never spans lines.
func EncodePacket(p Packet) ([]byte, error) {
	var frame interface{}
	switch v := p.(type) {
	case Handshake:
		frame = handshakeFrame{Type: PacketHandshake, Handshake: v}
	case Message:
		frame = messageFrame{Type: PacketMessage, Message: v}
	case Disconnect:
		frame = disconnectFrame{Type: PacketDisconnect, Disconnect: v}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPacket, p)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Type(), err)
	}
	return append(data, '\n'), nil
}

// DecodePacket parses a single line. The returned error wraps
// ErrMalformedPacket or ErrUnknownPacket.
func DecodePacket(line []byte) (Packet, error) {
	var probe struct {
		Type PacketType `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	switch probe.Type {
	case PacketHandshake:
		var f handshakeFrame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("%w: handshake: %v", ErrMalformedPacket, err)
		}
		if err := f.Host().Validate(); err != nil {
			return nil, fmt.Errorf("%w: handshake: %v", ErrMalformedPacket, err)
		}
		return f.Handshake, nil
	case PacketMessage:
		var f messageFrame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("%w: message: %v", ErrMalformedPacket, err)
		}
		return f.Message, nil
	case PacketDisconnect:
		var f disconnectFrame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("%w: disconnect: %v", ErrMalformedPacket, err)
		}
		return f.Disconnect, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPacket, probe.Type)
	}
}

func newLineScanner(r io.Reader, maxLine int) *bufio.Scanner {
	initial := 4096
	if maxLine < initial {
		initial = maxLine
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initial), maxLine)
	return sc
}
