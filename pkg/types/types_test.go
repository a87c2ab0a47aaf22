package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestHostIDDeterministic(t *testing.T) {
	a := NewHost("alice", "127.0.0.1", 6001)
	b := NewHost("alice", "127.0.0.1", 6001)
	if a.ID != b.ID {
		t.Fatalf("expected deterministic id, got %s and %s", a.ID, b.ID)
	}
	if c := NewHost("alice", "127.0.0.1", 6002); c.ID == a.ID {
		t.Fatal("expected id to change with port")
	}
}

func TestHostIDIsNameBasedUUID(t *testing.T) {
	got := DeriveHostID("alice", "127.0.0.1", 6001)
	want := uuid.MustParse("e8204ccc-dd43-301c-927e-a69b68f00efa")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got.Version() != 3 {
		t.Fatalf("expected version 3, got %d", got.Version())
	}
}

func TestHostUpdateKeepsID(t *testing.T) {
	h := NewHost("alice", "127.0.0.1", 6001)
	updated := h.Update("alice2", "10.0.0.2", 7000)
	if updated.ID != h.ID {
		t.Fatal("update must keep the host id")
	}
	if updated.Addr() != "10.0.0.2:7000" {
		t.Fatalf("unexpected addr %s", updated.Addr())
	}
}

func TestHostValidate(t *testing.T) {
	if err := NewHost("a", "127.0.0.1", 6001).Validate(); err != nil {
		t.Fatalf("expected valid host, got %v", err)
	}
	bad := []Host{
		{Name: "a", Address: "127.0.0.1", Port: 6001},
		NewHost("a", "", 6001),
		NewHost("a", "127.0.0.1", 0),
		NewHost("a", "127.0.0.1", 70000),
	}
	for _, h := range bad {
		if err := h.Validate(); !errors.Is(err, ErrInvalidHost) {
			t.Fatalf("expected ErrInvalidHost for %+v, got %v", h, err)
		}
	}
}

func TestFirstVoteWins(t *testing.T) {
	v := NewVoting("lunch", "where to eat", "pizza", "sushi")
	voter := uuid.New()

	ok, err := v.AddVote("pizza", voter)
	if err != nil || !ok {
		t.Fatalf("first vote: ok=%v err=%v", ok, err)
	}
	ok, err = v.AddVote("sushi", voter)
	if err != nil || ok {
		t.Fatalf("second vote should be a no-op: ok=%v err=%v", ok, err)
	}
	if got := v.Tally(); got[0] != 1 || got[1] != 0 {
		t.Fatalf("unexpected tally %v", got)
	}
	if !v.HasVoted(voter) {
		t.Fatal("expected voter to be recorded")
	}
	if v.HasVoted(uuid.New()) {
		t.Fatal("unknown voter reported as voted")
	}
}

func TestAddVoteUnknownOption(t *testing.T) {
	v := NewVoting("lunch", "", "pizza")
	if _, err := v.AddVote("tacos", uuid.New()); !errors.Is(err, ErrUnknownOption) {
		t.Fatalf("expected ErrUnknownOption, got %v", err)
	}
}

func TestVotingJSONRoundTrip(t *testing.T) {
	v := NewVoting("lunch", "where to eat", "pizza", "sushi", "tacos")
	if _, err := v.AddVote("sushi", uuid.New()); err != nil {
		t.Fatal(err)
	}
	if _, err := v.AddVote("sushi", uuid.New()); err != nil {
		t.Fatal(err)
	}
	if _, err := v.AddVote("tacos", uuid.New()); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Voting
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !v.Equal(&decoded) {
		t.Fatalf("round trip mismatch: %s", data)
	}
}

func TestVotingCloneIsIndependent(t *testing.T) {
	v := NewVoting("lunch", "", "pizza", "sushi")
	dup := v.Clone()
	if _, err := dup.AddVote("pizza", uuid.New()); err != nil {
		t.Fatal(err)
	}
	if v.Tally()[0] != 0 {
		t.Fatal("vote on clone leaked into original")
	}
	if v.Equal(dup) {
		t.Fatal("expected clone to differ after vote")
	}
}

func TestVotingUnmarshalRejectsBadOptions(t *testing.T) {
	for _, data := range []string{
		`{"title":"t","options":[null]}`,
		`{"title":"t","options":[{"name":"a","voters":[]},null]}`,
		`{"title":"t","options":[{"name":"","voters":[]}]}`,
	} {
		var v Voting
		if err := json.Unmarshal([]byte(data), &v); !errors.Is(err, ErrInvalidVoting) {
			t.Errorf("unmarshal %s: expected ErrInvalidVoting, got %v", data, err)
		}
	}
}

func TestVotingUnmarshalKeepsFirstVote(t *testing.T) {
	voter := uuid.New()
	other := uuid.New()
	data := `{"title":"t","description":"","options":[` +
		`{"name":"a","voters":["` + voter.String() + `"]},` +
		`{"name":"b","voters":["` + voter.String() + `","` + other.String() + `"]}]}`

	var v Voting
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		t.Fatal(err)
	}
	if got := v.Tally(); got[0] != 1 || got[1] != 1 {
		t.Fatalf("expected tally [1 1], got %v", got)
	}
	if !v.Options[0].Voters.Contains(voter) || v.Options[1].Voters.Contains(voter) {
		t.Fatal("voter should only remain under the first option")
	}

	encoded, err := json.Marshal(&v)
	if err != nil {
		t.Fatal(err)
	}
	var again Voting
	if err := json.Unmarshal(encoded, &again); err != nil {
		t.Fatal(err)
	}
	if !v.Equal(&again) {
		t.Fatalf("round trip mismatch: %s", encoded)
	}
}

func TestVotingSkipsNilOptions(t *testing.T) {
	v := &Voting{Title: "t", Options: []*VotingOption{nil, NewVotingOption("a")}}
	voter := uuid.New()

	if ok, err := v.AddVote("a", voter); err != nil || !ok {
		t.Fatalf("AddVote: ok=%v err=%v", ok, err)
	}
	if got := v.Tally(); got[0] != 0 || got[1] != 1 {
		t.Fatalf("unexpected tally %v", got)
	}
	if !v.HasVoted(voter) {
		t.Fatal("expected voter to be recorded")
	}
	if len(v.Clone().Options) != 1 {
		t.Fatal("clone should drop nil options")
	}
	if !errors.Is(v.Validate(), ErrInvalidVoting) {
		t.Fatal("expected Validate to reject the nil option")
	}
}
