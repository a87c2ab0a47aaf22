package console

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xphantomotr/ndchat/pkg/config"
	"github.com/0xphantomotr/ndchat/pkg/history"
	"github.com/0xphantomotr/ndchat/pkg/types"
)

func init() {
	color.NoColor = true
}

type sent struct {
	to  *uuid.UUID
	msg types.ChatMessage
}

type fakeBackend struct {
	mu        sync.Mutex
	self      types.Host
	peers     []types.Host
	sent      []sent
	votes     []string
	removed   []uuid.UUID
	log       *history.Log
	subs      []func(history.Entry)
	delivered int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		self: types.NewHost("alice", "127.0.0.1", 6001),
		log:  history.New(10),
	}
}

func (f *fakeBackend) Self() types.Host        { return f.self }
func (f *fakeBackend) Connected() []types.Host { return f.peers }
func (f *fakeBackend) Known() []types.Host     { return f.peers }

func (f *fakeBackend) AddPeer(h types.Host) error {
	if err := h.Validate(); err != nil {
		return err
	}
	f.peers = append(f.peers, h)
	return nil
}

func (f *fakeBackend) RemovePeer(id uuid.UUID) (types.Host, error) {
	for i, h := range f.peers {
		if h.ID == id {
			f.peers = append(f.peers[:i], f.peers[i+1:]...)
			f.removed = append(f.removed, id)
			return h, nil
		}
	}
	return types.Host{}, fmt.Errorf("unknown peer %s", id)
}

func (f *fakeBackend) UpdatePeer(id uuid.UUID, name, address string, port int) (types.Host, error) {
	for i, h := range f.peers {
		if h.ID == id {
			f.peers[i] = h.Update(name, address, port)
			return f.peers[i], nil
		}
	}
	return types.Host{}, fmt.Errorf("unknown peer %s", id)
}

func (f *fakeBackend) LookupPeer(ref string) (types.Host, error) {
	for _, h := range f.peers {
		if h.Name == ref || h.ID.String() == ref {
			return h, nil
		}
	}
	return types.Host{}, fmt.Errorf("unknown peer %q", ref)
}

func (f *fakeBackend) Send(to *uuid.UUID, msg types.ChatMessage) (history.Entry, int, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sent{to: to, msg: msg})
	f.mu.Unlock()
	return f.log.Append(msg, nil), f.delivered, nil
}

func (f *fakeBackend) Vote(seq uint64, option string) (history.Entry, int, error) {
	f.votes = append(f.votes, fmt.Sprintf("%d:%s", seq, option))
	e, _, err := f.log.Vote(seq, option, f.self.ID)
	return e, 0, err
}

func (f *fakeBackend) Messages(since uint64, limit int) []history.Entry {
	return f.log.Since(since, limit)
}

func (f *fakeBackend) Subscribe(fn func(history.Entry)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeBackend) receive(msg types.ChatMessage, sender *types.Host) {
	e := f.log.Append(msg, sender)
	f.mu.Lock()
	subs := append([]func(history.Entry){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand("  hello there ")
	require.NoError(t, err)
	assert.Equal(t, command{kind: cmdSay, text: "hello there"}, cmd)

	cmd, err = parseCommand("/add bob@10.0.0.2:6002")
	require.NoError(t, err)
	assert.Equal(t, cmdAdd, cmd.kind)
	assert.Equal(t, config.PeerConfig{Name: "bob", Address: "10.0.0.2", Port: 6002}, cmd.target)

	cmd, err = parseCommand("/msg bob see you at 5")
	require.NoError(t, err)
	assert.Equal(t, "bob", cmd.peer)
	assert.Equal(t, "see you at 5", cmd.text)

	cmd, err = parseCommand("/update bob bobby@10.0.0.9:7000")
	require.NoError(t, err)
	assert.Equal(t, "bob", cmd.peer)
	assert.Equal(t, "bobby", cmd.target.Name)

	cmd, err = parseCommand("/vote 12 pizza al taglio")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), cmd.seq)
	assert.Equal(t, "pizza al taglio", cmd.option)

	cmd, err = parseCommand("/history")
	require.NoError(t, err)
	assert.Equal(t, 20, cmd.n)

	cmd, err = parseCommand("/poll lunch |  | pizza, sushi, pizza,")
	require.NoError(t, err)
	require.NotNil(t, cmd.voting)
	assert.Equal(t, "lunch", cmd.voting.Title)
	assert.Equal(t, "", cmd.voting.Description)
	assert.Len(t, cmd.voting.Options, 2)
}

func TestParseCommandErrors(t *testing.T) {
	for _, line := range []string{
		"/nope",
		"/msg bob",
		"/remove",
		"/remove a b",
		"/update bob",
		"/vote x pizza",
		"/vote 1",
		"/history -2",
		"/poll only title",
		"/poll | desc | a",
		"/poll t | d | , ,",
	} {
		_, err := parseCommand(line)
		assert.ErrorIs(t, err, ErrUsage, line)
	}
	_, err := parseCommand("/add bob")
	assert.ErrorIs(t, err, config.ErrInvalidPeer)
}

func newTestConsole(input string) (*Console, *fakeBackend, *bytes.Buffer) {
	backend := newFakeBackend()
	out := &bytes.Buffer{}
	c := New(backend, Config{In: strings.NewReader(input), Out: out})
	return c, backend, out
}

func TestRunExecutesUntilQuit(t *testing.T) {
	c, backend, out := newTestConsole("hello\n/add bob@127.0.0.1:6002\n/msg bob hi bob\n/peers\n/quit\nnever sent\n")
	require.NoError(t, c.Run(context.Background()))

	require.Len(t, backend.sent, 2)
	assert.Nil(t, backend.sent[0].to)
	assert.Equal(t, "hello", backend.sent[0].msg.Text)
	require.NotNil(t, backend.sent[1].to)
	assert.Equal(t, types.NewHost("bob", "127.0.0.1", 6002).ID, *backend.sent[1].to)

	text := out.String()
	assert.Contains(t, text, "(no peers connected)")
	assert.Contains(t, text, "(bob is offline, message not delivered)")
	assert.Contains(t, text, "bob 127.0.0.1:6002")
}

func TestRunStopsAtEOF(t *testing.T) {
	c, backend, _ := newTestConsole("one\ntwo")
	require.NoError(t, c.Run(context.Background()))
	require.Len(t, backend.sent, 2)
	assert.Equal(t, "two", backend.sent[1].msg.Text)
}

func TestRunStopsOnCancel(t *testing.T) {
	backend := newFakeBackend()
	c := New(backend, Config{In: blockingReader{}, Out: &bytes.Buffer{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type blockingReader struct{}

func (blockingReader) Read(p []byte) (int, error) {
	select {}
}

func TestPollAndVote(t *testing.T) {
	c, backend, out := newTestConsole("")
	c.Execute("/poll lunch | where to? | pizza, sushi")
	c.Execute("/vote 1 sushi")
	c.Execute("/vote 1 tacos")

	assert.Equal(t, []string{"1:sushi", "1:tacos"}, backend.votes)
	text := out.String()
	assert.Contains(t, text, "poll #1: lunch")
	assert.Contains(t, text, "where to?")
	assert.Contains(t, text, "sushi (1)")
	assert.Contains(t, text, "unknown voting option")
}

func TestRemoveAndUpdate(t *testing.T) {
	c, backend, out := newTestConsole("")
	c.Execute("/add bob@127.0.0.1:6002")
	bob := backend.peers[0]

	c.Execute("/update bob bobby@127.0.0.1:7002")
	assert.Equal(t, "bobby", backend.peers[0].Name)
	assert.Equal(t, bob.ID, backend.peers[0].ID)

	c.Execute("/remove bobby")
	assert.Equal(t, []uuid.UUID{bob.ID}, backend.removed)
	c.Execute("/remove bobby")
	assert.Contains(t, out.String(), `unknown peer "bobby"`)
}

func TestIncomingMessagesArePrinted(t *testing.T) {
	backend := newFakeBackend()
	out := &syncBuffer{}
	c := New(backend, Config{In: strings.NewReader(""), Out: out})

	// Run subscribes, then returns at EOF; the subscription outlives it
	// in the fake backend.
	require.NoError(t, c.Run(context.Background()))
	bob := types.NewHost("bob", "127.0.0.1", 6002)
	backend.receive(types.NewNotice("bob joined the chat"), nil)
	backend.receive(types.ChatMessage{Text: "hi alice", SenderID: &bob.ID, Timestamp: time.Now()}, &bob)
	backend.receive(types.NewChatMessage("my own"), nil)

	text := out.String()
	assert.Contains(t, text, "* bob joined the chat")
	assert.Contains(t, text, "bob: hi alice")
	assert.NotContains(t, text, "my own")
}

func TestHistoryCommand(t *testing.T) {
	c, backend, out := newTestConsole("")
	for i := 0; i < 5; i++ {
		backend.log.Append(types.NewChatMessage(fmt.Sprintf("line %d", i)), nil)
	}
	c.Execute("/history 2")
	text := out.String()
	assert.NotContains(t, text, "line 2")
	assert.Contains(t, text, "me: line 3")
	assert.Contains(t, text, "me: line 4")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
