// Package datachannel implements the text framing spoken on the "chat" data
// channel: chat payloads, keepalive pings and their pong replies.
package datachannel

import (
	"strconv"
	"strings"
	"time"
)

const (
	ChatPrefix = "[custom]"
	PingPrefix = "ping"
	PongPrefix = "pong"
)

type Kind int

const (
	// KindLog is any text that is neither chat nor pong.
	KindLog Kind = iota
	KindChat
	KindPong
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindPong:
		return "pong"
	case KindPing:
		return "ping"
	default:
		return "log"
	}
}

// Classify returns the kind of msg and its payload. Chat payloads have the
// prefix stripped; pong and ping payloads are whatever follows the keyword.
func Classify(msg string) (Kind, string) {
	switch {
	case strings.HasPrefix(msg, ChatPrefix):
		return KindChat, msg[len(ChatPrefix):]
	case strings.HasPrefix(msg, PongPrefix):
		return KindPong, strings.TrimSpace(msg[len(PongPrefix):])
	case strings.HasPrefix(msg, PingPrefix+" "):
		return KindPing, strings.TrimSpace(msg[len(PingPrefix):])
	default:
		return KindLog, msg
	}
}

func ChatMessage(text string) string {
	return ChatPrefix + text
}

// PingMessage is "ping <unix millis>".
func PingMessage(t time.Time) string {
	return PingPrefix + " " + strconv.FormatInt(t.UnixMilli(), 10)
}

// PongFor answers a ping by echoing its timestamp so the sender can compute
// the round trip without remembering when it pinged.
func PongFor(ping string) string {
	_, ts := Classify(ping)
	if ts == "" {
		return PongPrefix
	}
	return PongPrefix + " " + ts
}

// ParseStamp decodes the unix-millis payload of a ping or pong.
func ParseStamp(payload string) (time.Time, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// EchoReply is the server side of the framing: chat is echoed verbatim and
// pings are answered. ok is false for everything else.
func EchoReply(msg string) (reply string, ok bool) {
	switch kind, _ := Classify(msg); kind {
	case KindChat:
		return msg, true
	case KindPing:
		return PongFor(msg), true
	default:
		return "", false
	}
}
