package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabelChat is the label of the application channel carrying chat,
// keepalive and log text.
const DataChannelLabelChat = "chat"

// CreateChatDataChannel opens the ordered, reliable chat channel. Only the
// offering side calls this; the answering side receives it via OnDataChannel.
func CreateChatDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(DataChannelLabelChat, &webrtc.DataChannelInit{Ordered: &ordered})
}

// validateChatDataChannel only checks the label. Browser clients may open the
// channel with partial reliability, which the text framing tolerates.
func validateChatDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabelChat {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabelChat, dc.Label())
	}
	return nil
}
