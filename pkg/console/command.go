package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/0xphantomotr/ndchat/pkg/config"
	"github.com/0xphantomotr/ndchat/pkg/types"
)

var ErrUsage = errors.New("console: bad command")

type commandKind int

const (
	cmdSay commandKind = iota
	cmdPeers
	cmdKnown
	cmdAdd
	cmdRemove
	cmdUpdate
	cmdMsg
	cmdPoll
	cmdVote
	cmdHistory
	cmdHelp
	cmdQuit
)

type command struct {
	kind commandKind
	// peer is an id or a display name
	peer   string
	target config.PeerConfig
	text   string
	voting *types.Voting
	seq    uint64
	option string
	n      int
}

const helpText = `Commands:
  <text>                            send to every connected peer
  /msg <peer> <text>                send to one peer (id or name)
  /poll title | description | a, b  start a poll
  /vote <seq> <option>              vote on the poll with that number
  /history [n]                      show the last n messages
  /peers                            connected peers
  /known                            peers this node dials
  /add name@host:port               add a peer
  /update <peer> name@host:port     change a peer's name or endpoint
  /remove <peer>                    forget a peer and disconnect
  /help                             this text
  /quit                             leave`

func usage(format string, args ...interface{}) error {
	return fmt.Errorf("%w: usage: "+format, append([]interface{}{ErrUsage}, args...)...)
}

// parseCommand turns one input line into a command. Lines that do not start
// with a slash are chat text.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSay, text: line}, nil
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/help", "/?":
		return command{kind: cmdHelp}, nil
	case "/quit", "/exit":
		return command{kind: cmdQuit}, nil
	case "/peers":
		return command{kind: cmdPeers}, nil
	case "/known":
		return command{kind: cmdKnown}, nil
	case "/add":
		target, err := config.ParsePeer(rest)
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdAdd, target: target}, nil
	case "/remove":
		if rest == "" || strings.Contains(rest, " ") {
			return command{}, usage("/remove <peer>")
		}
		return command{kind: cmdRemove, peer: rest}, nil
	case "/update":
		peer, endpoint, ok := strings.Cut(rest, " ")
		if !ok {
			return command{}, usage("/update <peer> name@host:port")
		}
		target, err := config.ParsePeer(endpoint)
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdUpdate, peer: peer, target: target}, nil
	case "/msg":
		peer, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return command{}, usage("/msg <peer> <text>")
		}
		return command{kind: cmdMsg, peer: peer, text: strings.TrimSpace(text)}, nil
	case "/poll":
		voting, err := parsePoll(rest)
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdPoll, voting: voting}, nil
	case "/vote":
		seqStr, option, ok := strings.Cut(rest, " ")
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if !ok || err != nil || strings.TrimSpace(option) == "" {
			return command{}, usage("/vote <seq> <option>")
		}
		return command{kind: cmdVote, seq: seq, option: strings.TrimSpace(option)}, nil
	case "/history":
		n := 20
		if rest != "" {
			v, err := strconv.Atoi(rest)
			if err != nil || v <= 0 {
				return command{}, usage("/history [n]")
			}
			n = v
		}
		return command{kind: cmdHistory, n: n}, nil
	default:
		return command{}, fmt.Errorf("%w: unknown command %s (try /help)", ErrUsage, name)
	}
}

// parsePoll reads "title | description | opt1, opt2". The description may
// be left empty.
func parsePoll(s string) (*types.Voting, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return nil, usage("/poll title | description | opt1, opt2")
	}
	title := strings.TrimSpace(parts[0])
	desc := strings.TrimSpace(parts[1])
	var options []string
	seen := make(map[string]bool)
	for _, opt := range strings.Split(parts[2], ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" || seen[opt] {
			continue
		}
		seen[opt] = true
		options = append(options, opt)
	}
	if title == "" || len(options) == 0 {
		return nil, usage("/poll title | description | opt1, opt2")
	}
	return types.NewVoting(title, desc, options...), nil
}
