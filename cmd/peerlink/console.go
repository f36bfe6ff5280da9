package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/echo"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/presence"
)

var (
	errQuit     = errors.New("quit")
	errEchoMode = errors.New("not available in echo mode")
)

// commands is the part of *peer.Agent the console drives.
type commands interface {
	Self() string
	Users() []presence.Entry
	IncomingRequests() []presence.Pending
	RequestPeer(id string) error
	Accept(id string) error
	Decline(id, reason string) error
	Chat(text string) error
	Stop() error
}

// echoCommands drives an echo session, which has no relay behind it.
type echoCommands struct {
	link *echo.Link
}

func (echoCommands) Self() string                         { return "" }
func (echoCommands) Users() []presence.Entry              { return nil }
func (echoCommands) IncomingRequests() []presence.Pending { return nil }
func (echoCommands) RequestPeer(string) error             { return errEchoMode }
func (echoCommands) Accept(string) error                  { return errEchoMode }
func (echoCommands) Decline(string, string) error         { return errEchoMode }
func (e echoCommands) Chat(text string) error             { return e.link.Chat(text) }
func (e echoCommands) Stop() error                        { return e.link.Close() }

type console struct {
	cmds commands

	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// run reads commands from in until EOF, quit or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.exec(line); errors.Is(err, errQuit) {
				return nil
			} else if err != nil {
				c.printf("error: %v", err)
			}
		}
	}
}

func (c *console) exec(line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
		return nil
	case "help":
		c.printf("commands: list, requests, request <id>, accept <id>, decline <id> [reason], say <text>, stop, quit")
		return nil
	case "list":
		if self := c.cmds.Self(); self != "" {
			c.printf("you are %s", self)
		}
		users := c.cmds.Users()
		if len(users) == 0 {
			c.printf("no other peers online")
		}
		for _, u := range users {
			c.printf("  %s  %s", u.ID, u.Name)
		}
		return nil
	case "requests":
		for _, p := range c.cmds.IncomingRequests() {
			c.printf("  %s  %s  (since %s)", p.Peer.ID, p.Peer.Name, p.At.Format("15:04:05"))
		}
		return nil
	case "request":
		if arg == "" {
			return errors.New("usage: request <id>")
		}
		if err := c.cmds.RequestPeer(arg); err != nil {
			return err
		}
		c.printf("request sent to %s", arg)
		return nil
	case "accept":
		if arg == "" {
			return errors.New("usage: accept <id>")
		}
		return c.cmds.Accept(arg)
	case "decline":
		id, reason, _ := strings.Cut(arg, " ")
		if id == "" {
			return errors.New("usage: decline <id> [reason]")
		}
		return c.cmds.Decline(id, strings.TrimSpace(reason))
	case "say":
		if arg == "" {
			return errors.New("usage: say <text>")
		}
		return c.cmds.Chat(arg)
	case "stop":
		return c.cmds.Stop()
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func (c *console) event(e peer.Event) {
	switch e.Kind {
	case peer.EventJoined:
		c.printf("joined as %s", e.Peer.ID)
	case peer.EventRoster:
		c.printf("%d other peer(s) online", len(e.Users))
	case peer.EventIncomingRequest:
		c.printf("%s (%s) wants to connect: accept %s / decline %s", e.Peer.Name, e.Peer.ID, e.Peer.ID, e.Peer.ID)
	case peer.EventRequestAccepted:
		c.printf("%s accepted, negotiating", e.Peer.ID)
	case peer.EventRequestDeclined:
		if e.Text != "" {
			c.printf("%s declined: %s", e.Peer.ID, e.Text)
		} else {
			c.printf("%s declined", e.Peer.ID)
		}
	case peer.EventRequestExpired:
		if e.Outgoing {
			c.printf("request to %s timed out", e.Peer.ID)
		} else {
			c.printf("request from %s expired", e.Peer.ID)
		}
	case peer.EventState:
		c.printf("session with %s: %s", e.Peer.ID, e.State)
	case peer.EventChat:
		c.printf("<%s> %s", e.Peer.ID, e.Text)
	case peer.EventLog:
		c.printf("[%s] %s", e.Peer.ID, e.Text)
	case peer.EventRTT:
		// Every keepalive produces a sample; only the debug log shows them.
	case peer.EventRelayError:
		c.printf("relay error %s: %s", e.Code, e.Text)
	}
}
