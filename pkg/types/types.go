package types

import (
	"crypto/md5"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidHost = errors.New("types: invalid host")

// Host identifies a chat participant. ID is derived once from the
// name, address and port the host was created with and never recomputed.
type Host struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Address string    `json:"address"`
	Port    int       `json:"port"`
}

func NewHost(name, address string, port int) Host {
	return Host{
		ID:      DeriveHostID(name, address, port),
		Name:    name,
		Address: address,
		Port:    port,
	}
}

// DeriveHostID returns the name-based (MD5, version 3) UUID of
// "name|address|port".
func DeriveHostID(name, address string, port int) uuid.UUID {
	sum := md5.Sum([]byte(name + "|" + address + "|" + strconv.Itoa(port)))
	sum[6] = (sum[6] & 0x0f) | 0x30
	sum[8] = (sum[8] & 0x3f) | 0x80
	return uuid.UUID(sum)
}

// Update returns a copy with new display and endpoint fields. The id is kept.
func (h Host) Update(name, address string, port int) Host {
	h.Name = name
	h.Address = address
	h.Port = port
	return h
}

func (h Host) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

func (h Host) Validate() error {
	if h.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidHost)
	}
	if h.Address == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidHost)
	}
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidHost, h.Port)
	}
	return nil
}

func (h Host) String() string {
	return fmt.Sprintf("%s[%s]@%s", h.Name, h.ID, h.Addr())
}

type ChatMessage struct {
	Text      string     `json:"text"`
	SenderID  *uuid.UUID `json:"sender_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Voting    *Voting    `json:"voting,omitempty"`
	SentByMe  bool       `json:"sent_by_me"`
}

func NewChatMessage(text string) ChatMessage {
	return ChatMessage{
		Text:      text,
		Timestamp: time.Now(),
		SentByMe:  true,
	}
}

func NewPollMessage(voting *Voting) ChatMessage {
	msg := NewChatMessage(voting.Title)
	msg.Voting = voting
	return msg
}

// NewNotice builds a connection lifecycle notice. Notices carry no sender.
func NewNotice(text string) ChatMessage {
	return ChatMessage{Text: text, Timestamp: time.Now()}
}

func (m ChatMessage) IsNotice() bool {
	return m.SenderID == nil && !m.SentByMe
}
