package peer

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/sdpfilter"
)

var (
	placeholderAudio = map[string]string{
		"opus": webrtc.MimeTypeOpus,
		"pcmu": webrtc.MimeTypePCMU,
		"pcma": webrtc.MimeTypePCMA,
		"g722": webrtc.MimeTypeG722,
	}
	placeholderVideo = map[string]string{
		"vp8":  webrtc.MimeTypeVP8,
		"vp9":  webrtc.MimeTypeVP9,
		"h264": webrtc.MimeTypeH264,
		"av1":  webrtc.MimeTypeAV1,
	}
)

// PlaceholderMedia returns one silent audio and one blank video track whose
// codecs follow the configured preferences (opus and VP8 when unrestricted).
// The tracks never carry samples; they exist so descriptions contain media
// sections for the codec filter to act on.
func PlaceholderMedia(audioCodec, videoCodec string) negotiation.MediaSource {
	return negotiation.MediaFunc(func(context.Context) ([]webrtc.TrackLocal, error) {
		audioMime, err := placeholderMime(placeholderAudio, audioCodec, webrtc.MimeTypeOpus)
		if err != nil {
			return nil, fmt.Errorf("audio: %w", err)
		}
		videoMime, err := placeholderMime(placeholderVideo, videoCodec, webrtc.MimeTypeVP8)
		if err != nil {
			return nil, fmt.Errorf("video: %w", err)
		}

		audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: audioMime}, "audio", "peerlink")
		if err != nil {
			return nil, err
		}
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: videoMime}, "video", "peerlink")
		if err != nil {
			return nil, err
		}
		return []webrtc.TrackLocal{audio, video}, nil
	})
}

// placeholderMime maps "VP8/90000" style names to a mime type.
func placeholderMime(known map[string]string, codec, fallback string) (string, error) {
	if codec == "" || codec == sdpfilter.CodecDefault {
		return fallback, nil
	}
	name, _, _ := strings.Cut(codec, "/")
	mime, ok := known[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("no local source for codec %q", codec)
	}
	return mime, nil
}
