package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/sdpfilter"
)

const (
	envVarListenAddr       = "PEERLINK_LISTEN_ADDR"
	envVarAllowedOrigins   = "PEERLINK_ALLOWED_ORIGINS"
	envVarMode             = "PEERLINK_MODE"
	envVarLogFormat        = "PEERLINK_LOG_FORMAT"
	envVarLogLevel         = "PEERLINK_LOG_LEVEL"
	envVarShutdownTimeout  = "PEERLINK_SHUTDOWN_TIMEOUT"
	envVarICEGatherTimeout = "PEERLINK_ICE_GATHER_TIMEOUT"

	envVarWebRTCUDPPortMin  = "PEERLINK_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax  = "PEERLINK_WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP = "PEERLINK_WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs  = "PEERLINK_WEBRTC_NAT_1TO1_IPS"

	// Peer side.
	envVarSignalURL        = "PEERLINK_SIGNAL_URL"
	envVarOfferURL         = "PEERLINK_OFFER_URL"
	envVarName             = "PEERLINK_NAME"
	envVarToken            = "PEERLINK_TOKEN"
	envVarAudioCodec       = "PEERLINK_AUDIO_CODEC"
	envVarVideoCodec       = "PEERLINK_VIDEO_CODEC"
	envVarVideoTransform   = "PEERLINK_VIDEO_TRANSFORM"
	envVarHandshakeTimeout = "PEERLINK_HANDSHAKE_TIMEOUT"
	envVarPingInterval     = "PEERLINK_PING_INTERVAL"
	envVarAutoAccept       = "PEERLINK_AUTO_ACCEPT"
	envVarEcho             = "PEERLINK_ECHO"

	// Relay side.
	envVarAuthMode               = "PEERLINK_AUTH_MODE"
	envVarAPIKey                 = "PEERLINK_API_KEY"
	envVarJWTSecret              = "PEERLINK_JWT_SECRET"
	envVarRedisAddr              = "PEERLINK_REDIS_ADDR"
	envVarRedisPassword          = "PEERLINK_REDIS_PASSWORD"
	envVarRedisDB                = "PEERLINK_REDIS_DB"
	envVarRelayMaxMessageBytes   = "PEERLINK_RELAY_MAX_MESSAGE_BYTES"
	envVarRelayMessagesPerSecond = "PEERLINK_RELAY_MESSAGES_PER_SECOND"
	envVarRelayBurst             = "PEERLINK_RELAY_BURST"
	envVarRelaySendBuffer        = "PEERLINK_RELAY_SEND_BUFFER"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "PEERLINK_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "PEERLINK_TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "PEERLINK_TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr            = "127.0.0.1:8080"
	DefaultShutdown              = 15 * time.Second
	DefaultICEGatherTimeout      = 5 * time.Second
	DefaultMode             Mode = ModeDev

	DefaultSignalURL        = "ws://127.0.0.1:8080/ws"
	DefaultOfferURL         = "http://127.0.0.1:8080/offer"
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultPingInterval     = 1 * time.Second
	DefaultVideoTransform   = "none"

	DefaultAuthMode               AuthMode = AuthModeNone
	DefaultRelayMaxMessageBytes            = 64 * 1024
	DefaultRelayMessagesPerSecond          = 50
	DefaultRelayBurst                      = 100
	DefaultRelaySendBuffer                 = 64

	// MaxNameLength matches the relay's join validation.
	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "peerlink"

	MaxNameLength = 64
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// VideoTransforms lists the values accepted for the video_transform field of
// POST /offer.
var VideoTransforms = []string{"none", "edges", "cartoon", "rotate"}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	ICEServers []webrtc.ICEServer
	// ICEGatherTimeout bounds every wait for local candidate gathering.
	ICEGatherTimeout time.Duration

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral ports.
	WebRTCUDPPortRange *UDPPortRange
	WebRTCUDPListenIP  net.IP
	WebRTCNAT1To1IPs   []string

	// Peer side.
	SignalURL        string
	OfferURL         string
	Name             string
	Token            string
	AudioCodec       string
	VideoCodec       string
	VideoTransform   string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	AutoAccept       bool
	// Echo makes the peer talk to the echo endpoint instead of the relay.
	Echo bool

	// Relay side.
	AuthMode               AuthMode
	APIKey                 string
	JWTSecret              string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	RelayMaxMessageBytes   int
	RelayMessagesPerSecond int
	RelayBurst             int
	RelaySendBuffer        int

	TURNREST TurnRESTConfig
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// PeerConnectionICEServers returns the ICE servers for locally built peer
// connections. With TURN REST enabled, TURN entries that only receive
// credentials per /webrtc/ice request are skipped.
func (c Config) PeerConnectionICEServers() []webrtc.ICEServer {
	if !c.TURNREST.Enabled() {
		return c.ICEServers
	}
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, server := range c.ICEServers {
		if !IsTURNServer(server) {
			out = append(out, server)
			continue
		}
		cred, _ := server.Credential.(string)
		if strings.TrimSpace(server.Username) == "" || strings.TrimSpace(cred) == "" {
			continue
		}
		out = append(out, server)
	}
	return out
}

// IsTURNServer reports whether any of server's URLs is turn: or turns:.
func IsTURNServer(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

// CodecPreferences returns the filters applied to every locally authored
// session description, audio first.
func (c Config) CodecPreferences() []sdpfilter.Preference {
	return []sdpfilter.Preference{
		{Kind: sdpfilter.MediaKindAudio, Codec: c.AudioCodec},
		{Kind: sdpfilter.MediaKindVideo, Codec: c.VideoCodec},
	}
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatherTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	handshakeTimeout, err := envDurationOrDefault(lookup, envVarHandshakeTimeout, DefaultHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}

	webrtcUDPPortMin, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMin, 0)
	if err != nil {
		return Config{}, err
	}
	webrtcUDPPortMax, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMax, 0)
	if err != nil {
		return Config{}, err
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, "0.0.0.0")
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")

	signalURL := envOrDefault(lookup, envVarSignalURL, DefaultSignalURL)
	offerURL := envOrDefault(lookup, envVarOfferURL, DefaultOfferURL)
	name := envOrDefault(lookup, envVarName, "")
	token := envOrDefault(lookup, envVarToken, "")
	audioCodec := envOrDefault(lookup, envVarAudioCodec, sdpfilter.CodecDefault)
	videoCodec := envOrDefault(lookup, envVarVideoCodec, sdpfilter.CodecDefault)
	videoTransform := envOrDefault(lookup, envVarVideoTransform, DefaultVideoTransform)
	echoMode, err := envBoolOrDefault(lookup, envVarEcho, false)
	if err != nil {
		return Config{}, err
	}
	autoAccept, err := envBoolOrDefault(lookup, envVarAutoAccept, false)
	if err != nil {
		return Config{}, err
	}

	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}
	relayMaxMessageBytes, err := envIntOrDefault(lookup, envVarRelayMaxMessageBytes, DefaultRelayMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	relayMessagesPerSecond, err := envIntOrDefault(lookup, envVarRelayMessagesPerSecond, DefaultRelayMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	relayBurst, err := envIntOrDefault(lookup, envVarRelayBurst, DefaultRelayBurst)
	if err != nil {
		return Config{}, err
	}
	relaySendBuffer, err := envIntOrDefault(lookup, envVarRelaySendBuffer, DefaultRelaySendBuffer)
	if err != nil {
		return Config{}, err
	}

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	var (
		modeStr, logFormatStr, logLevelStr string
		portMin, portMax                   uint
	)

	fs := flag.NewFlagSet("peerlink", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for local ICE gathering before a description is sent")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs, or \"none\" ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.UintVar(&portMin, "webrtc-udp-port-min", uint(max(webrtcUDPPortMin, 0)), "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", uint(max(webrtcUDPPortMax, 0)), "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise as host candidates (env "+envVarWebRTCNAT1To1IPs+")")

	fs.StringVar(&signalURL, "signal-url", signalURL, "Relay WebSocket URL for peer mode (env "+envVarSignalURL+")")
	fs.StringVar(&offerURL, "offer-url", offerURL, "POST /offer URL for echo mode (env "+envVarOfferURL+")")
	fs.StringVar(&name, "name", name, "Display name announced to the relay (default: random)")
	fs.StringVar(&token, "token", token, "Credential presented to the relay (env "+envVarToken+")")
	fs.StringVar(&audioCodec, "audio-codec", audioCodec, "Restrict offered audio to this codec, e.g. opus/48000/2 (\"default\" disables)")
	fs.StringVar(&videoCodec, "video-codec", videoCodec, "Restrict offered video to this codec, e.g. VP8/90000 (\"default\" disables)")
	fs.StringVar(&videoTransform, "video-transform", videoTransform, "Video transform requested from the echo server: "+strings.Join(VideoTransforms, ", "))
	fs.DurationVar(&handshakeTimeout, "handshake-timeout", handshakeTimeout, "How long an unanswered peer_request stays pending")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Data channel keepalive interval")
	fs.BoolVar(&echoMode, "echo", echoMode, "Negotiate with the echo endpoint at --offer-url instead of joining the relay (env "+envVarEcho+")")
	fs.BoolVar(&autoAccept, "auto-accept", autoAccept, "Accept every incoming peer_request without prompting (env "+envVarAutoAccept+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Relay auth mode: none, api_key or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "Relay API key when --auth-mode=api_key (env "+envVarAPIKey+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret when --auth-mode=jwt (env "+envVarJWTSecret+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Mirror the relay roster into this Redis server (optional; env "+envVarRedisAddr+")")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "Redis password (env "+envVarRedisPassword+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")
	fs.IntVar(&relayMaxMessageBytes, "relay-max-message-bytes", relayMaxMessageBytes, "Max inbound relay message size in bytes")
	fs.IntVar(&relayMessagesPerSecond, "relay-messages-per-second", relayMessagesPerSecond, "Sustained inbound relay messages/sec per connection")
	fs.IntVar(&relayBurst, "relay-burst", relayBurst, "Inbound relay message burst per connection")
	fs.IntVar(&relaySendBuffer, "relay-send-buffer", relaySendBuffer, "Outbound relay messages queued per connection before it is dropped")

	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "coturn static-auth-secret; enables per-request TURN credentials on /webrtc/ice (env "+envVarTURNRESTSharedSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of issued TURN credentials")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "Prefix embedded in issued TURN usernames")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, strings.TrimSpace(turnRESTSharedSecret) != "")
	if err != nil {
		return Config{}, err
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatherTimeout)
	}
	if handshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--handshake-timeout must be > 0", envVarHandshakeTimeout)
	}
	if pingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ping-interval must be > 0", envVarPingInterval)
	}

	var portRange *UDPPortRange
	if portMin != 0 || portMax != 0 {
		if portMin == 0 || portMax == 0 {
			return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		if portMin > 65535 || portMax > 65535 {
			return Config{}, fmt.Errorf("%s/%s must be <= 65535", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		if portMin > portMax {
			return Config{}, fmt.Errorf("%s must be <= %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		portRange = &UDPPortRange{Min: uint16(portMin), Max: uint16(portMax)}
	}

	listenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if listenIP == nil {
		return Config{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}
	nat1To1IPs, err := parseIPList(webrtcNAT1To1IPsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", envVarWebRTCNAT1To1IPs, err)
	}

	if err := validateURL(signalURL, "ws", "wss"); err != nil {
		return Config{}, fmt.Errorf("%s/--signal-url: %w", envVarSignalURL, err)
	}
	if err := validateURL(offerURL, "http", "https"); err != nil {
		return Config{}, fmt.Errorf("%s/--offer-url: %w", envVarOfferURL, err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name, err = randomName()
		if err != nil {
			return Config{}, err
		}
	}
	if len(name) > MaxNameLength {
		return Config{}, fmt.Errorf("%s/--name must be at most %d bytes", envVarName, MaxNameLength)
	}

	videoTransform = strings.ToLower(strings.TrimSpace(videoTransform))
	if !IsVideoTransform(videoTransform) {
		return Config{}, fmt.Errorf("%s/--video-transform must be one of %s", envVarVideoTransform, strings.Join(VideoTransforms, ", "))
	}

	switch authMode {
	case AuthModeAPIKey:
		if apiKey == "" {
			return Config{}, fmt.Errorf("%s/--api-key is required when auth mode is %s", envVarAPIKey, authMode)
		}
	case AuthModeJWT:
		if jwtSecret == "" {
			return Config{}, fmt.Errorf("%s/--jwt-secret is required when auth mode is %s", envVarJWTSecret, authMode)
		}
	}

	if redisDB < 0 {
		return Config{}, fmt.Errorf("%s/--redis-db must be >= 0", envVarRedisDB)
	}
	if relayMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-max-message-bytes must be > 0", envVarRelayMaxMessageBytes)
	}
	if relayMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-messages-per-second must be > 0", envVarRelayMessagesPerSecond)
	}
	if relayBurst <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-burst must be > 0", envVarRelayBurst)
	}
	if relaySendBuffer <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-send-buffer must be > 0", envVarRelaySendBuffer)
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   turnRESTSharedSecret,
		TTL:            turnRESTTTL,
		UsernamePrefix: strings.TrimSpace(turnRESTUsernamePrefix),
	}
	if turnREST.Enabled() {
		if turnREST.TTL < time.Second {
			return Config{}, fmt.Errorf("%s/--turn-rest-ttl must be >= 1s", envVarTURNRESTTTL)
		}
		if turnREST.UsernamePrefix == "" || strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s/--turn-rest-username-prefix must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	return Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		ICEServers:       iceServers,
		ICEGatherTimeout: iceGatherTimeout,

		WebRTCUDPPortRange: portRange,
		WebRTCUDPListenIP:  listenIP,
		WebRTCNAT1To1IPs:   nat1To1IPs,

		SignalURL:        signalURL,
		OfferURL:         offerURL,
		Name:             name,
		Token:            token,
		AudioCodec:       strings.TrimSpace(audioCodec),
		VideoCodec:       strings.TrimSpace(videoCodec),
		VideoTransform:   videoTransform,
		HandshakeTimeout: handshakeTimeout,
		PingInterval:     pingInterval,
		AutoAccept:       autoAccept,
		Echo:             echoMode,

		AuthMode:               authMode,
		APIKey:                 apiKey,
		JWTSecret:              jwtSecret,
		RedisAddr:              strings.TrimSpace(redisAddr),
		RedisPassword:          redisPassword,
		RedisDB:                redisDB,
		RelayMaxMessageBytes:   relayMaxMessageBytes,
		RelayMessagesPerSecond: relayMessagesPerSecond,
		RelayBurst:             relayBurst,
		RelaySendBuffer:        relaySendBuffer,

		TURNREST: turnREST,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return NewLoggerTo(os.Stdout, cfg)
}

// NewLoggerTo is NewLogger writing to w. The peer CLI logs to stderr because
// stdout carries the console.
func NewLoggerTo(w io.Writer, cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomName() (string, error) {
	suffix, err := randutil.GenerateCryptoRandomString(6, nameAlphabet)
	if err != nil {
		return "", fmt.Errorf("generate display name: %w", err)
	}
	return "peer-" + suffix, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone), "":
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (expected none, api_key or jwt)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, part := range splitCommaSeparated(raw) {
		if part == "*" {
			out = append(out, part)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(part)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("%s: invalid origin %q", envVarAllowedOrigins, part)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func parseIPList(s string) ([]string, error) {
	parts := splitCommaSeparated(s)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if net.ParseIP(part) == nil {
			return nil, fmt.Errorf("invalid ip %q", part)
		}
		out = append(out, part)
	}
	return out, nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if strings.EqualFold(u.Scheme, scheme) {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme in %q (expected %s)", raw, strings.Join(schemes, " or "))
}

func IsVideoTransform(v string) bool {
	for _, t := range VideoTransforms {
		if v == t {
			return true
		}
	}
	return false
}
