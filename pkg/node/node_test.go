package node

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xphantomotr/ndchat/pkg/history"
	"github.com/0xphantomotr/ndchat/pkg/p2p"
	"github.com/0xphantomotr/ndchat/pkg/peerbook"
	"github.com/0xphantomotr/ndchat/pkg/types"
)

const waitFor = 3 * time.Second

func newTestNode(t *testing.T, name string) (*Node, *peerbook.Book) {
	t.Helper()
	book, err := peerbook.New(peerbook.NewMemoryStore())
	require.NoError(t, err)
	n := New(Config{
		P2P: p2p.Config{
			Self:        types.NewHost(name, "127.0.0.1", 0),
			ListenAddr:  "127.0.0.1:0",
			DialBackoff: 50 * time.Millisecond,
		},
		HistorySize: 50,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, book)
	require.NoError(t, n.Start())
	t.Cleanup(func() { n.Stop() })
	return n, book
}

func linked(a, b *Node) bool {
	return a.State(b.Self().ID) == p2p.StateEstablished && b.State(a.Self().ID) == p2p.StateEstablished
}

func findText(n *Node, text string) (history.Entry, bool) {
	for _, e := range n.Messages(0, 0) {
		if e.Message.Text == text && e.Sender != nil {
			return e, true
		}
	}
	return history.Entry{}, false
}

func pair(t *testing.T) (*Node, *Node) {
	t.Helper()
	alice, _ := newTestNode(t, "alice")
	bob, _ := newTestNode(t, "bob")
	require.NoError(t, alice.AddPeer(bob.Self()))
	require.Eventually(t, func() bool { return linked(alice, bob) }, waitFor, 10*time.Millisecond)
	return alice, bob
}

func TestAddPeerPersistsAndConnects(t *testing.T) {
	alice, book := newTestNode(t, "alice")
	bob, _ := newTestNode(t, "bob")

	require.NoError(t, alice.AddPeer(bob.Self()))
	assert.Equal(t, []types.Host{bob.Self()}, book.List())
	require.Eventually(t, func() bool { return linked(alice, bob) }, waitFor, 10*time.Millisecond)

	// bob sees alice join
	require.Eventually(t, func() bool {
		for _, e := range bob.Messages(0, 0) {
			if e.Message.Text == "alice joined the chat" && e.Message.IsNotice() {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func TestAddPeerRejectsInvalidHost(t *testing.T) {
	alice, book := newTestNode(t, "alice")
	err := alice.AddPeer(types.Host{Name: "nobody"})
	assert.ErrorIs(t, err, types.ErrInvalidHost)
	assert.Empty(t, book.List())
}

func TestStoredPeersAreDialedOnStart(t *testing.T) {
	bob, _ := newTestNode(t, "bob")

	book, err := peerbook.New(peerbook.NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, book.Put(bob.Self()))
	alice := New(Config{
		P2P: p2p.Config{
			Self:        types.NewHost("alice", "127.0.0.1", 0),
			ListenAddr:  "127.0.0.1:0",
			DialBackoff: 50 * time.Millisecond,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, book)
	require.NoError(t, alice.Start())
	defer alice.Stop()

	assert.Equal(t, []types.Host{bob.Self()}, alice.Known())
	require.Eventually(t, func() bool { return linked(alice, bob) }, waitFor, 10*time.Millisecond)
}

func TestBroadcastIsRecordedOnBothSides(t *testing.T) {
	alice, bob := pair(t)

	var mu sync.Mutex
	var seen []history.Entry
	cancel := bob.Subscribe(func(e history.Entry) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	defer cancel()

	entry, delivered, err := alice.Send(nil, types.NewChatMessage("hello bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.True(t, entry.Message.SentByMe)
	assert.Nil(t, entry.Sender)

	require.Eventually(t, func() bool {
		_, ok := findText(bob, "hello bob")
		return ok
	}, waitFor, 10*time.Millisecond)
	got, _ := findText(bob, "hello bob")
	assert.Equal(t, alice.Self().ID, got.Sender.ID)
	require.NotNil(t, got.Message.SenderID)
	assert.Equal(t, alice.Self().ID, *got.Message.SenderID)
	assert.False(t, got.Message.SentByMe)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, "hello bob", seen[len(seen)-1].Message.Text)
}

func TestSendToSinglePeer(t *testing.T) {
	alice, bob := pair(t)
	carol, _ := newTestNode(t, "carol")
	require.NoError(t, alice.AddPeer(carol.Self()))
	require.Eventually(t, func() bool { return linked(alice, carol) }, waitFor, 10*time.Millisecond)

	to := bob.Self().ID
	_, delivered, err := alice.Send(&to, types.NewChatMessage("just for bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	require.Eventually(t, func() bool {
		_, ok := findText(bob, "just for bob")
		return ok
	}, waitFor, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	_, ok := findText(carol, "just for bob")
	assert.False(t, ok)
}

func TestSendErrors(t *testing.T) {
	alice, _ := newTestNode(t, "alice")

	_, _, err := alice.Send(nil, types.NewChatMessage("   "))
	assert.ErrorIs(t, err, ErrEmptyMessage)

	stranger := uuid.New()
	_, _, err = alice.Send(&stranger, types.NewChatMessage("hi"))
	assert.ErrorIs(t, err, ErrUnknownPeer)

	// no peers connected: recorded locally, delivered nowhere
	entry, delivered, err := alice.Send(nil, types.NewChatMessage("anyone?"))
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, uint64(1), entry.Seq)
}

func TestVoteRebroadcastsUpdatedPoll(t *testing.T) {
	alice, bob := pair(t)

	_, _, err := alice.Send(nil, types.NewPollMessage(types.NewVoting("lunch", "where?", "pizza", "sushi")))
	require.NoError(t, err)

	var poll history.Entry
	require.Eventually(t, func() bool {
		var ok bool
		poll, ok = findText(bob, "lunch")
		return ok
	}, waitFor, 10*time.Millisecond)
	require.NotNil(t, poll.Message.Voting)

	entry, delivered, err := bob.Vote(poll.Seq, "sushi")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []int{0, 1}, entry.Message.Voting.Tally())

	// alice receives the updated poll as a new message
	require.Eventually(t, func() bool {
		e, ok := findText(alice, "lunch")
		return ok && e.Message.Voting != nil && e.Message.Voting.HasVoted(bob.Self().ID)
	}, waitFor, 10*time.Millisecond)

	// a second vote by the same host changes nothing and sends nothing
	entry, delivered, err = bob.Vote(poll.Seq, "pizza")
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, []int{0, 1}, entry.Message.Voting.Tally())
}

func TestUpdatePeerKeepsID(t *testing.T) {
	alice, book := newTestNode(t, "alice")
	bob := types.NewHost("bob", "127.0.0.1", 6002)
	require.NoError(t, alice.AddPeer(bob))

	updated, err := alice.UpdatePeer(bob.ID, "bobby", "127.0.0.1", 6003)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, updated.ID)
	assert.Equal(t, "bobby", updated.Name)
	assert.Equal(t, []types.Host{updated}, book.List())
	assert.Equal(t, []types.Host{updated}, alice.Known())

	_, err = alice.UpdatePeer(uuid.New(), "x", "127.0.0.1", 1)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestRemovePeerForgetsAndDisconnects(t *testing.T) {
	alice, bob := pair(t)

	removed, err := alice.RemovePeer(bob.Self().ID)
	require.NoError(t, err)
	assert.Equal(t, bob.Self().ID, removed.ID)
	assert.Empty(t, alice.Known())
	require.Eventually(t, func() bool { return len(bob.Connected()) == 0 }, waitFor, 10*time.Millisecond)

	_, err = alice.RemovePeer(bob.Self().ID)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestLookupPeer(t *testing.T) {
	alice, _ := newTestNode(t, "alice")
	bob := types.NewHost("bob", "127.0.0.1", 6002)
	require.NoError(t, alice.AddPeer(bob))

	got, err := alice.LookupPeer("bob")
	require.NoError(t, err)
	assert.Equal(t, bob, got)

	got, err = alice.LookupPeer(bob.ID.String())
	require.NoError(t, err)
	assert.Equal(t, bob, got)

	_, err = alice.LookupPeer("carol")
	assert.ErrorIs(t, err, ErrUnknownPeer)

	require.NoError(t, alice.AddPeer(types.NewHost("bob", "127.0.0.1", 6009)))
	_, err = alice.LookupPeer("bob")
	assert.ErrorIs(t, err, ErrAmbiguousPeer)
}
