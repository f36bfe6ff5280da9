// Package sdpfilter restricts the codecs offered in a session description to a
// caller-chosen subset.
//
// The rewrite is purely textual. Lines outside the targeted media sections are
// passed through untouched, and a section is recognized only by its leading
// "m=<kind> " token.
package sdpfilter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pion/sdp/v3"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// CodecDefault disables filtering for a kind.
const CodecDefault = "default"

var ErrInvalidKind = errors.New("sdpfilter: invalid media kind")

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(s))) {
	case MediaKindAudio:
		return MediaKindAudio, nil
	case MediaKindVideo:
		return MediaKindVideo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// Preference selects one codec for one media kind.
type Preference struct {
	Kind  MediaKind
	Codec string
}

// Enabled reports whether the preference asks for any rewriting.
func (p Preference) Enabled() bool {
	c := strings.TrimSpace(p.Codec)
	return c != "" && c != CodecDefault
}

var (
	rtxRe  = regexp.MustCompile(`^a=fmtp:(\d+) apt=(\d+)\r?$`)
	skipRe = regexp.MustCompile(`^a=(?:fmtp|rtcp-fb|rtpmap):(\d+)`)
)

// Apply runs Filter for each enabled preference in order, each pass operating
// on the output of the previous one.
func Apply(prefs []Preference, sdpText string) string {
	for _, p := range prefs {
		if !p.Enabled() {
			continue
		}
		sdpText = Filter(p.Kind, p.Codec, sdpText)
	}
	return sdpText
}

// Filter rewrites every media section of the given kind so that it only
// carries payload types mapped to codec, plus retransmission payload types
// whose apt references one of them. The codec name is matched literally and
// must be followed by '/', whitespace or end of line ("VP8" and
// "VP8/90000" both match "a=rtpmap:96 VP8/90000").
//
// RTX association is resolved one hop: an RTX line may precede its primary
// codec within the section, but RTX-of-RTX chains are not followed.
//
// If no payload type matches, the section header keeps its kind, port and
// protocol fields and an empty format list.
func Filter(kind MediaKind, codec, sdpText string) string {
	lines := splitLines(sdpText)
	codecRe := regexp.MustCompile(`^a=rtpmap:(\d+) ` + regexp.QuoteMeta(codec) + `(?:/|\s|$)`)

	allowed := collectAllowed(lines, kind, codecRe)

	var b strings.Builder
	b.Grow(len(sdpText) + 1)
	inKind := false
	for _, line := range lines {
		inKind = sectionState(line, kind, inKind)
		if inKind {
			if m := skipRe.FindStringSubmatch(line); m != nil && !allowed.has(m[1]) {
				continue
			}
			if isHeader(line, kind) {
				line = rewriteHeader(line, allowed.order)
			}
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// PayloadTypes returns the format list of the first media section of kind,
// or nil if there is none.
func PayloadTypes(kind MediaKind, sdpText string) []string {
	for _, line := range splitLines(sdpText) {
		if !isHeader(line, kind) {
			continue
		}
		fields := strings.Fields(strings.TrimRight(line, "\r"))
		if len(fields) <= 3 {
			return []string{}
		}
		return append([]string(nil), fields[3:]...)
	}
	return nil
}

// Validate reports whether sdpText parses as a session description.
func Validate(sdpText string) error {
	var sd sdp.SessionDescription
	if err := sd.UnmarshalString(sdpText); err != nil {
		return fmt.Errorf("sdpfilter: unmarshal: %w", err)
	}
	return nil
}

type payloadSet struct {
	order []string
	seen  map[string]struct{}
}

func (s *payloadSet) add(pt string) {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[pt]; ok {
		return
	}
	s.seen[pt] = struct{}{}
	s.order = append(s.order, pt)
}

func (s *payloadSet) has(pt string) bool {
	_, ok := s.seen[pt]
	return ok
}

// collectAllowed returns the allowed payload types in order of first
// appearance. Primary codecs are collected first so a later codec line can
// still admit an earlier RTX line.
func collectAllowed(lines []string, kind MediaKind, codecRe *regexp.Regexp) *payloadSet {
	type candidate struct {
		pt  string
		apt string // empty for primary codecs
	}
	var (
		candidates []candidate
		primaries  payloadSet
	)
	inKind := false
	for _, line := range lines {
		inKind = sectionState(line, kind, inKind)
		if !inKind {
			continue
		}
		if m := codecRe.FindStringSubmatch(line); m != nil {
			primaries.add(m[1])
			candidates = append(candidates, candidate{pt: m[1]})
			continue
		}
		if m := rtxRe.FindStringSubmatch(line); m != nil {
			candidates = append(candidates, candidate{pt: m[1], apt: m[2]})
		}
	}

	allowed := &payloadSet{seen: make(map[string]struct{})}
	for _, c := range candidates {
		if c.apt == "" || primaries.has(c.apt) {
			allowed.add(c.pt)
		}
	}
	return allowed
}

func sectionState(line string, kind MediaKind, inKind bool) bool {
	if isHeader(line, kind) {
		return true
	}
	if strings.HasPrefix(line, "m=") {
		return false
	}
	return inKind
}

func isHeader(line string, kind MediaKind) bool {
	return strings.HasPrefix(line, "m="+string(kind)+" ")
}

// rewriteHeader replaces the format list of an "m=" line, keeping the first
// three fields and any trailing carriage return.
func rewriteHeader(line string, pts []string) string {
	cr := ""
	if strings.HasSuffix(line, "\r") {
		cr = "\r"
		line = strings.TrimSuffix(line, "\r")
	}
	fields := strings.Fields(line)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	fields = append(fields, pts...)
	return strings.Join(fields, " ") + cr
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
