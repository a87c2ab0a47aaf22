package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/peterh/liner"

	"github.com/0xphantomotr/ndchat/pkg/history"
	"github.com/0xphantomotr/ndchat/pkg/types"
)

var (
	NoticeColor = color.New(color.FgYellow).SprintfFunc()
	SenderColor = color.New(color.FgCyan, color.Bold).SprintfFunc()
	PollColor   = color.New(color.FgMagenta).SprintfFunc()
	ErrorColor  = color.New(color.FgHiRed).SprintfFunc()
	DimColor    = color.New(color.Faint).SprintfFunc()
)

type Backend interface {
	Self() types.Host
	Connected() []types.Host
	Known() []types.Host
	AddPeer(host types.Host) error
	RemovePeer(id uuid.UUID) (types.Host, error)
	UpdatePeer(id uuid.UUID, name, address string, port int) (types.Host, error)
	LookupPeer(ref string) (types.Host, error)
	Send(to *uuid.UUID, msg types.ChatMessage) (history.Entry, int, error)
	Vote(seq uint64, option string) (history.Entry, int, error)
	Messages(since uint64, limit int) []history.Entry
	Subscribe(fn func(history.Entry)) func()
}

type prompter interface {
	Prompt(p string) (string, error)
	AppendHistory(item string)
}

type dumbterm struct {
	r *bufio.Reader
	w io.Writer
}

func (d dumbterm) Prompt(p string) (string, error) {
	fmt.Fprint(d.w, p)
	line, err := d.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (d dumbterm) AppendHistory(string) {}

type Config struct {
	In  io.Reader
	Out io.Writer
	// Interactive enables line editing when the terminal supports it.
	Interactive bool
	// HistoryFile keeps input history between sessions.
	HistoryFile string
}

type Console struct {
	backend Backend
	prompt  string

	mu  sync.Mutex
	out io.Writer

	prompter prompter
	atexit   func()
}

func New(backend Backend, cfg Config) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = color.Output
	}
	c := &Console{
		backend: backend,
		prompt:  backend.Self().Name + "> ",
		out:     cfg.Out,
	}
	if !cfg.Interactive || !liner.TerminalSupported() {
		c.prompter = dumbterm{r: bufio.NewReader(cfg.In), w: cfg.Out}
		return c
	}
	lr := liner.NewLiner()
	lr.SetCtrlCAborts(true)
	c.withHistory(cfg.HistoryFile, func(f *os.File) { lr.ReadHistory(f) })
	c.prompter = lr
	c.atexit = func() {
		c.withHistory(cfg.HistoryFile, func(f *os.File) {
			f.Truncate(0)
			lr.WriteHistory(f)
		})
		lr.Close()
	}
	return c
}

func (c *Console) withHistory(path string, op func(*os.File)) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		c.printf("%s\n", ErrorColor("unable to open history file: %v", err))
		return
	}
	op(f)
	f.Close()
}

func (c *Console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run reads commands until /quit, end of input or ctx is cancelled.
// Received messages are printed as they arrive.
func (c *Console) Run(ctx context.Context) error {
	unsubscribe := c.backend.Subscribe(func(e history.Entry) {
		if e.Message.SentByMe {
			return
		}
		c.printf("%s\n", formatEntry(e))
	})
	defer unsubscribe()
	if c.atexit != nil {
		defer c.atexit()
	}

	self := c.backend.Self()
	c.printf("%s\n", DimColor("ndchat as %s (%s), /help for commands", self.Name, self.Addr()))

	prompt := make(chan string)
	inputs := make(chan string)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(inputs)
		for p := range prompt {
			line, err := c.prompter.Prompt(p)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, liner.ErrPromptAborted) {
					errc <- err
				}
				return
			}
			select {
			case inputs <- line:
			case <-done:
				return
			}
		}
	}()
	defer close(prompt)

	for {
		select {
		case prompt <- c.prompt:
		case <-ctx.Done():
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-inputs:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			c.prompter.AppendHistory(line)
			if quit := c.Execute(line); quit {
				return nil
			}
		}
	}
}

// Execute runs one input line and reports whether the user asked to quit.
func (c *Console) Execute(line string) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		c.printf("%s\n", ErrorColor("%v", err))
		return false
	}
	if cmd.kind == cmdQuit {
		return true
	}
	if err := c.run(cmd); err != nil {
		c.printf("%s\n", ErrorColor("%v", err))
	}
	return false
}

func (c *Console) run(cmd command) error {
	switch cmd.kind {
	case cmdHelp:
		c.printf("%s\n", helpText)
	case cmdSay:
		_, delivered, err := c.backend.Send(nil, types.NewChatMessage(cmd.text))
		if err != nil {
			return err
		}
		if delivered == 0 {
			c.printf("%s\n", DimColor("(no peers connected)"))
		}
	case cmdMsg:
		peer, err := c.backend.LookupPeer(cmd.peer)
		if err != nil {
			return err
		}
		_, delivered, err := c.backend.Send(&peer.ID, types.NewChatMessage(cmd.text))
		if err != nil {
			return err
		}
		if delivered == 0 {
			c.printf("%s\n", DimColor("(%s is offline, message not delivered)", peer.Name))
		}
	case cmdPoll:
		entry, _, err := c.backend.Send(nil, types.NewPollMessage(cmd.voting))
		if err != nil {
			return err
		}
		c.printf("%s\n", formatEntry(entry))
	case cmdVote:
		entry, _, err := c.backend.Vote(cmd.seq, cmd.option)
		if err != nil {
			return err
		}
		c.printf("%s\n", formatEntry(entry))
	case cmdHistory:
		entries := c.backend.Messages(0, 0)
		if len(entries) > cmd.n {
			entries = entries[len(entries)-cmd.n:]
		}
		for _, e := range entries {
			c.printf("%s\n", formatEntry(e))
		}
	case cmdPeers:
		c.printHosts(c.backend.Connected(), "no peers connected")
	case cmdKnown:
		c.printHosts(c.backend.Known(), "no peers configured")
	case cmdAdd:
		host := cmd.target.Host()
		if err := c.backend.AddPeer(host); err != nil {
			return err
		}
		c.printf("%s\n", DimColor("added %s", host))
	case cmdRemove:
		peer, err := c.backend.LookupPeer(cmd.peer)
		if err != nil {
			return err
		}
		removed, err := c.backend.RemovePeer(peer.ID)
		if err != nil {
			return err
		}
		c.printf("%s\n", DimColor("removed %s", removed))
	case cmdUpdate:
		peer, err := c.backend.LookupPeer(cmd.peer)
		if err != nil {
			return err
		}
		updated, err := c.backend.UpdatePeer(peer.ID, cmd.target.Name, cmd.target.Address, cmd.target.Port)
		if err != nil {
			return err
		}
		c.printf("%s\n", DimColor("updated %s", updated))
	}
	return nil
}

func (c *Console) printHosts(hosts []types.Host, empty string) {
	if len(hosts) == 0 {
		c.printf("%s\n", DimColor("%s", empty))
		return
	}
	for _, h := range hosts {
		c.printf("  %s %s %s\n", SenderColor("%s", h.Name), h.Addr(), DimColor("%s", h.ID))
	}
}

func formatEntry(e history.Entry) string {
	msg := e.Message
	ts := DimColor("[%s]", msg.Timestamp.Format("15:04:05"))
	if msg.IsNotice() {
		return fmt.Sprintf("%s %s", ts, NoticeColor("* %s", msg.Text))
	}
	who := "me"
	if e.Sender != nil {
		who = e.Sender.Name
	}
	if msg.Voting == nil {
		return fmt.Sprintf("%s %s: %s", ts, SenderColor("%s", who), msg.Text)
	}

	v := msg.Voting
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", ts, SenderColor("%s", who), PollColor("poll #%d: %s", e.Seq, v.Title))
	if v.Description != "" {
		fmt.Fprintf(&b, "\n    %s", v.Description)
	}
	tally := v.Tally()
	for i, opt := range v.Options {
		fmt.Fprintf(&b, "\n    %s (%d)", opt.Name, tally[i])
	}
	return b.String()
}
