package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/datachannel"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/echo"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/webrtcpeer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLoggerTo(os.Stderr, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	con := &console{out: os.Stdout}
	if cfg.Echo {
		err = runEcho(ctx, cfg, api, con, os.Stdin, logger)
	} else {
		err = runPeer(ctx, cfg, api, con, os.Stdin, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("peerlink exited", "err", err)
		os.Exit(1)
	}
}

func runPeer(ctx context.Context, cfg config.Config, api *webrtc.API, con *console, in io.Reader, logger *slog.Logger) error {
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	logger.Info("joining relay", "signal_url", cfg.SignalURL, "name", cfg.Name)
	ch, err := signaling.Dial(ctx, cfg.SignalURL, signaling.DialOptions{
		Name:   cfg.Name,
		Header: header,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	agent := peer.New(peer.Config{
		Channel:          ch,
		API:              api,
		ICEServers:       cfg.PeerConnectionICEServers(),
		GatherTimeout:    cfg.ICEGatherTimeout,
		Media:            peer.PlaceholderMedia(cfg.AudioCodec, cfg.VideoCodec),
		Codecs:           cfg.CodecPreferences(),
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		AutoAccept:       cfg.AutoAccept,
		OnEvent:          con.event,
		Logger:           logger,
	})
	defer agent.Close()
	con.cmds = agent

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- agent.Run(ctx)
		cancel()
	}()

	con.printf("type help for commands")
	if err := con.run(ctx, in); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	cancel()

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, signaling.ErrChannelClosed) {
		return err
	}
	return nil
}

func runEcho(ctx context.Context, cfg config.Config, api *webrtc.API, con *console, in io.Reader, logger *slog.Logger) error {
	logger.Info("starting echo session", "offer_url", cfg.OfferURL, "video_transform", cfg.VideoTransform)

	link, err := echo.Run(ctx, echo.RunConfig{
		API:            api,
		ICEServers:     cfg.PeerConnectionICEServers(),
		GatherTimeout:  cfg.ICEGatherTimeout,
		Client:         echo.NewClient(cfg.OfferURL),
		Media:          peer.PlaceholderMedia(cfg.AudioCodec, cfg.VideoCodec),
		Codecs:         cfg.CodecPreferences(),
		VideoTransform: cfg.VideoTransform,
		PingInterval:   cfg.PingInterval,
		Handlers: datachannel.Handlers{
			OnOpen: func() {
				con.printf("echo channel open")
			},
			OnChat: func(text string) {
				con.printf("<echo> %s", text)
			},
			OnRTT: func(rtt time.Duration) {
				con.printf("rtt %s", rtt)
			},
		},
		// Fires only once media flows, which placeholder tracks never start.
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			con.printf("echo %s track (%s)", track.Kind(), track.Codec().MimeType)
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		},
		Logger: logger.With("component", "echo"),
	})
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-link.Done():
			con.printf("echo session closed by remote")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Only say, stop and quit mean anything here.
	con.cmds = echoCommands{link: link}
	return con.run(ctx, in)
}
