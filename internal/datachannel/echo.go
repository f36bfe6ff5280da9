package datachannel

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// ServeEcho answers every message on ch with EchoReply until the channel
// closes.
func ServeEcho(ch Channel, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("datachannel", ch.Label())

	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		reply, ok := EchoReply(string(msg.Data))
		if !ok {
			log.Debug("echo: ignoring message", "len", len(msg.Data))
			return
		}
		if err := ch.SendText(reply); err != nil {
			log.Warn("echo: send failed", "err", err)
		}
	})
}
