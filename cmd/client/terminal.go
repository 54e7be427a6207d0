package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/omochice/chatroom-session/internal/client"
	"github.com/omochice/chatroom-session/pkg/protocol"
)

type commandKind int

const (
	cmdNone commandKind = iota
	cmdBroadcast
	cmdPrivate
	cmdOpen
	cmdTabs
	cmdShow
	cmdHelp
	cmdQuit
	cmdInvalid
)

type command struct {
	kind commandKind
	peer protocol.Identity
	body string
}

// parseCommand interprets one input line:
//
//	/msg <peer> <text>  private message
//	/open <peer>        open an empty thread
//	/tabs               list conversations
//	/show [peer]        print a conversation, the room by default
//	/help
//	quit | exit
//
// Anything else is sent to the room.
func parseCommand(line string) command {
	text := strings.TrimSpace(line)
	switch {
	case text == "":
		return command{kind: cmdNone}
	case text == "quit" || text == "exit":
		return command{kind: cmdQuit}
	case !strings.HasPrefix(text, "/"):
		return command{kind: cmdBroadcast, body: text}
	}

	name, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/msg":
		peer, body, _ := strings.Cut(rest, " ")
		if peer == "" || strings.TrimSpace(body) == "" {
			return command{kind: cmdInvalid, body: "usage: /msg <peer> <text>"}
		}
		return command{kind: cmdPrivate, peer: protocol.Identity(peer), body: strings.TrimSpace(body)}
	case "/open":
		if rest == "" {
			return command{kind: cmdInvalid, body: "usage: /open <peer>"}
		}
		return command{kind: cmdOpen, peer: protocol.Identity(rest)}
	case "/tabs":
		return command{kind: cmdTabs}
	case "/show":
		peer := protocol.BroadcastKey
		if rest != "" {
			peer = protocol.Identity(rest)
		}
		return command{kind: cmdShow, peer: peer}
	case "/help":
		return command{kind: cmdHelp}
	default:
		return command{kind: cmdInvalid, body: fmt.Sprintf("unknown command %s", name)}
	}
}

// terminal renders session events.
type terminal struct {
	mu   sync.Mutex
	out  io.Writer
	self protocol.Identity

	name    *color.Color
	private *color.Color
	notice  *color.Color
	failure *color.Color
}

func newTerminal(out io.Writer, self protocol.Identity) *terminal {
	return &terminal{
		out:     out,
		self:    self,
		name:    color.New(color.FgCyan, color.Bold),
		private: color.New(color.FgMagenta),
		notice:  color.New(color.FgYellow),
		failure: color.New(color.FgRed),
	}
}

func (t *terminal) hooks() client.Hooks {
	return client.Hooks{
		OnJoined: func(id protocol.Identity) {
			t.printf(t.notice, "*** joined the chat as %s ***\n", id)
		},
		OnError: func(err error) {
			t.printf(t.failure, "error: %v\n", err)
		},
		OnClosed: func(err error) {
			if err != nil {
				t.printf(t.failure, "*** connection closed: %v ***\n", err)
				return
			}
			t.printf(t.notice, "*** disconnected ***\n")
		},
		OnMalformed: func(err error) {
			t.printf(t.failure, "dropped message: %v\n", err)
		},
		OnAppend: t.render,
	}
}

func (t *terminal) render(key protocol.Identity, msg protocol.ChatMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.line(key, msg)
}

// line must be called with t.mu held.
func (t *terminal) line(key protocol.Identity, msg protocol.ChatMessage) {
	switch msg.Kind {
	case protocol.KindJoin:
		t.notice.Fprintf(t.out, "*** %s joined the chat ***\n", msg.Sender)
	case protocol.KindLeave:
		t.notice.Fprintf(t.out, "*** %s left the chat ***\n", msg.Sender)
	default:
		if key == protocol.BroadcastKey {
			t.name.Fprintf(t.out, "[%s]", msg.Sender)
			fmt.Fprintf(t.out, ": %s\n", msg.Body)
			return
		}
		if msg.Sender == t.self {
			t.private.Fprintf(t.out, "[you -> %s]", msg.Receiver)
		} else {
			t.private.Fprintf(t.out, "[%s -> you]", msg.Sender)
		}
		fmt.Fprintf(t.out, ": %s\n", msg.Body)
	}
}

func (t *terminal) printf(c *color.Color, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.Fprintf(t.out, format, args...)
}

func (t *terminal) help() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, "Type your messages (or 'quit' to exit). Commands: /msg <peer> <text>, /open <peer>, /tabs, /show [peer], /help")
}

// execute runs cmd against c and reports whether the user asked to quit.
func (t *terminal) execute(c *client.Client, cmd command) bool {
	var err error
	switch cmd.kind {
	case cmdQuit:
		return true
	case cmdBroadcast:
		err = c.SendBroadcast(cmd.body)
	case cmdPrivate:
		err = c.SendPrivate(cmd.peer, cmd.body)
	case cmdOpen:
		err = c.OpenThread(cmd.peer)
	case cmdTabs:
		t.tabs(c)
	case cmdShow:
		t.show(c, cmd.peer)
	case cmdHelp:
		t.help()
	case cmdInvalid:
		t.printf(t.failure, "%s\n", cmd.body)
	}
	if err != nil {
		t.printf(t.failure, "failed to send message: %v\n", err)
	}
	return false
}

func (t *terminal) tabs(c *client.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range c.Summaries() {
		label := string(s.Key)
		if s.Key == protocol.BroadcastKey {
			label = "room"
		}
		t.name.Fprintf(t.out, "%-12s", label)
		fmt.Fprintf(t.out, " %d messages\n", s.Count)
	}
}

func (t *terminal) show(c *client.Client, key protocol.Identity) {
	msgs := c.Conversation(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(msgs) == 0 {
		fmt.Fprintln(t.out, "(no messages)")
		return
	}
	for _, msg := range msgs {
		t.line(key, msg)
	}
}
