package echo

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/webrtcpeer"
)

// loopback sends every received track back to the client on a local track of
// the same kind. Tracks are added before the answer so it is sendrecv.
type loopback struct {
	log *slog.Logger

	mu     sync.Mutex
	tracks map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP
}

func newLoopback(log *slog.Logger) *loopback {
	return &loopback{log: log, tracks: make(map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP)}
}

// prepare adds one outbound track per media kind in offer, using the first
// primary codec the offer lists for it. It must run after the offer is set
// as remote description and before the answer is created.
func (l *loopback) prepare(sess *webrtcpeer.Session, offer string) error {
	codecs, err := offeredCodecs(offer)
	if err != nil {
		return err
	}
	for kind, capability := range codecs {
		track, err := webrtc.NewTrackLocalStaticRTP(capability, kind.String(), "echo")
		if err != nil {
			return fmt.Errorf("loopback %s track: %w", kind, err)
		}
		if err := sess.AddTrack(track); err != nil {
			return err
		}
		l.mu.Lock()
		l.tracks[kind] = track
		l.mu.Unlock()
	}
	return nil
}

// handleTrack copies RTP from remote into the loopback track of its kind
// until the remote track ends.
func (l *loopback) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	l.mu.Lock()
	local := l.tracks[remote.Kind()]
	l.mu.Unlock()

	l.log.Info("echo track received", "kind", remote.Kind().String(), "codec", remote.Codec().MimeType, "looped", local != nil)
	if local == nil {
		go drain(remote)
		return
	}
	go func() {
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			if err := local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				l.log.Debug("echo loopback write failed", "kind", remote.Kind().String(), "err", err)
				return
			}
		}
	}()
}

func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// offeredCodecs picks, per audio and video kind, the first codec of the first
// section of that kind. Retransmission and redundancy formats are skipped.
func offeredCodecs(offer string) (map[webrtc.RTPCodecType]webrtc.RTPCodecCapability, error) {
	var sd sdp.SessionDescription
	if err := sd.UnmarshalString(offer); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}

	out := make(map[webrtc.RTPCodecType]webrtc.RTPCodecCapability)
	for _, md := range sd.MediaDescriptions {
		kind := webrtc.NewRTPCodecType(md.MediaName.Media)
		if kind == 0 {
			continue
		}
		if _, seen := out[kind]; seen {
			continue
		}
		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				continue
			}
			codec, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil || !isPrimaryCodec(codec.Name) {
				continue
			}
			channels := uint16(0)
			if codec.EncodingParameters != "" {
				if n, err := strconv.ParseUint(codec.EncodingParameters, 10, 16); err == nil {
					channels = uint16(n)
				}
			}
			out[kind] = webrtc.RTPCodecCapability{
				MimeType:    kind.String() + "/" + codec.Name,
				ClockRate:   codec.ClockRate,
				Channels:    channels,
				SDPFmtpLine: codec.Fmtp,
			}
			break
		}
	}
	return out, nil
}

func isPrimaryCodec(name string) bool {
	switch strings.ToLower(name) {
	case "rtx", "red", "ulpfec", "flexfec-03", "telephone-event", "cn":
		return false
	}
	return true
}
