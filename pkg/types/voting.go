package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

var (
	ErrUnknownOption = errors.New("types: unknown voting option")
	ErrInvalidVoting = errors.New("types: invalid voting")
)

// Voting is a poll embedded in a chat message. Tallies are local to each
// peer: votes are applied to the receiver's own copy and never reconciled,
// so two peers can disagree about the same poll.
type Voting struct {
	mu          sync.Mutex
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Options     []*VotingOption `json:"options"`
}

type VotingOption struct {
	Name   string
	Voters mapset.Set[uuid.UUID]
}

func NewVoting(title, description string, options ...string) *Voting {
	v := &Voting{Title: title, Description: description}
	for _, name := range options {
		v.Options = append(v.Options, NewVotingOption(name))
	}
	return v
}

func NewVotingOption(name string, voters ...uuid.UUID) *VotingOption {
	return &VotingOption{Name: name, Voters: mapset.NewSet[uuid.UUID](voters...)}
}

func (v *Voting) Option(name string) *VotingOption {
	for _, opt := range v.Options {
		if opt != nil && opt.Name == name {
			return opt
		}
	}
	return nil
}

func (v *Voting) HasVoted(voter uuid.UUID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasVotedLocked(voter)
}

func (v *Voting) hasVotedLocked(voter uuid.UUID) bool {
	for _, opt := range v.Options {
		if opt != nil && opt.Voters != nil && opt.Voters.Contains(voter) {
			return true
		}
	}
	return false
}

// AddVote records voter under option. The first vote of a voter wins:
// later calls for the same voter return false and change nothing.
func (v *Voting) AddVote(option string, voter uuid.UUID) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	opt := v.Option(option)
	if opt == nil {
		return false, fmt.Errorf("%w: %q", ErrUnknownOption, option)
	}
	if v.hasVotedLocked(voter) {
		return false, nil
	}
	if opt.Voters == nil {
		opt.Voters = mapset.NewSet[uuid.UUID]()
	}
	return opt.Voters.Add(voter), nil
}

// Tally returns the vote count per option, in option order.
func (v *Voting) Tally() []int {
	v.mu.Lock()
	defer v.mu.Unlock()

	counts := make([]int, len(v.Options))
	for i, opt := range v.Options {
		if opt != nil && opt.Voters != nil {
			counts[i] = opt.Voters.Cardinality()
		}
	}
	return counts
}

func (v *Voting) Clone() *Voting {
	v.mu.Lock()
	defer v.mu.Unlock()

	dup := &Voting{Title: v.Title, Description: v.Description}
	for _, opt := range v.Options {
		if opt == nil {
			continue
		}
		dup.Options = append(dup.Options, NewVotingOption(opt.Name, opt.voterList()...))
	}
	return dup
}

// Equal compares title, description, option order and voter sets.
func (v *Voting) Equal(other *Voting) bool {
	if v == nil || other == nil {
		return v == other
	}
	if v.Title != other.Title || v.Description != other.Description || len(v.Options) != len(other.Options) {
		return false
	}
	for i, opt := range v.Options {
		o := other.Options[i]
		if opt == nil || o == nil {
			if opt != o {
				return false
			}
			continue
		}
		if opt.Name != o.Name {
			return false
		}
		a, b := opt.voterList(), o.voterList()
		if len(a) != len(b) {
			return false
		}
		for j := range a {
			if a[j] != b[j] {
				return false
			}
		}
	}
	return true
}

// Validate reports options that are missing or unnamed.
func (v *Voting) Validate() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, opt := range v.Options {
		if opt == nil {
			return fmt.Errorf("%w: option %d is null", ErrInvalidVoting, i)
		}
		if opt.Name == "" {
			return fmt.Errorf("%w: option %d has no name", ErrInvalidVoting, i)
		}
	}
	return nil
}

// UnmarshalJSON rejects polls that fail Validate. A voter listed under
// several options is kept only under the first one.
func (v *Voting) UnmarshalJSON(data []byte) error {
	var raw struct {
		Title       string          `json:"title"`
		Description string          `json:"description"`
		Options     []*VotingOption `json:"options"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.mu.Lock()
	v.Title, v.Description, v.Options = raw.Title, raw.Description, raw.Options
	v.mu.Unlock()
	if err := v.Validate(); err != nil {
		return err
	}
	seen := mapset.NewThreadUnsafeSet[uuid.UUID]()
	for _, opt := range v.Options {
		for _, voter := range opt.voterList() {
			if !seen.Add(voter) {
				opt.Voters.Remove(voter)
			}
		}
	}
	return nil
}

// voterList returns the voters sorted by their string form.
func (o *VotingOption) voterList() []uuid.UUID {
	if o.Voters == nil {
		return []uuid.UUID{}
	}
	voters := o.Voters.ToSlice()
	sort.Slice(voters, func(i, j int) bool { return voters[i].String() < voters[j].String() })
	return voters
}

type votingOptionJSON struct {
	Name   string      `json:"name"`
	Voters []uuid.UUID `json:"voters"`
}

func (o *VotingOption) MarshalJSON() ([]byte, error) {
	return json.Marshal(votingOptionJSON{Name: o.Name, Voters: o.voterList()})
}

func (o *VotingOption) UnmarshalJSON(data []byte) error {
	var raw votingOptionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.Name = raw.Name
	o.Voters = mapset.NewSet[uuid.UUID](raw.Voters...)
	return nil
}
