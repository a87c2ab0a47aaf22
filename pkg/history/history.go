package history

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/0xphantomotr/ndchat/pkg/metrics"
	"github.com/0xphantomotr/ndchat/pkg/types"
)

const DefaultCapacity = 1000

var (
	ErrEntryNotFound = errors.New("history: entry not found")
	ErrNotAPoll      = errors.New("history: entry has no voting")
)

// Entry is a chat message with its position in the local log. Sender is
// nil for messages sent by this node and for notices.
type Entry struct {
	Seq     uint64            `json:"seq"`
	Message types.ChatMessage `json:"message"`
	Sender  *types.Host       `json:"sender,omitempty"`
}

// Log keeps the most recent chat messages in memory. Sequence numbers start
// at 1 and are never reused; once the log is full the oldest entry is dropped.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	next     uint64
	capacity int
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity, next: 1}
}

func (l *Log) Append(msg types.ChatMessage, sender *types.Host) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{Seq: l.next, Message: msg}
	if sender != nil {
		h := *sender
		entry.Sender = &h
	}
	l.next++

	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, entry)
	metrics.SetHistorySize(len(l.entries))
	return entry
}

func (l *Log) indexLocked(seq uint64) (int, error) {
	if len(l.entries) == 0 || seq < l.entries[0].Seq || seq >= l.next {
		return 0, fmt.Errorf("%w: %d", ErrEntryNotFound, seq)
	}
	return int(seq - l.entries[0].Seq), nil
}

func (l *Log) Get(seq uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, err := l.indexLocked(seq)
	if err != nil {
		return Entry{}, err
	}
	return l.entries[idx], nil
}

// Since returns up to limit entries with a sequence number greater than seq,
// oldest first. A limit of zero or less returns all of them.
func (l *Log) Since(seq uint64, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if len(l.entries) > 0 && seq >= l.entries[0].Seq {
		start = int(seq-l.entries[0].Seq) + 1
	}
	if start > len(l.entries) {
		start = len(l.entries)
	}
	end := len(l.entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Entry, end-start)
	copy(out, l.entries[start:end])
	return out
}

// Last returns the n most recent entries, oldest first.
func (l *Log) Last(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Vote records voter's choice on the poll at seq. applied is false when the
// voter had already voted on that poll.
func (l *Log) Vote(seq uint64, option string, voter uuid.UUID) (entry Entry, applied bool, err error) {
	l.mu.RLock()
	idx, err := l.indexLocked(seq)
	if err != nil {
		l.mu.RUnlock()
		return Entry{}, false, err
	}
	entry = l.entries[idx]
	l.mu.RUnlock()

	if entry.Message.Voting == nil {
		return entry, false, fmt.Errorf("%w: %d", ErrNotAPoll, seq)
	}
	applied, err = entry.Message.Voting.AddVote(option, voter)
	if err != nil {
		return entry, false, err
	}
	if applied {
		metrics.IncVotesApplied()
	}
	return entry, applied, nil
}
