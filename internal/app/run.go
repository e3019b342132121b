package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/petervdpas/goopcall/internal/api"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peerconn"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// RunPeer runs one calling peer until ctx is cancelled.
func RunPeer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := util.ConfigureLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	log := logrus.WithField("component", "app")
	logBanner(log, "peer", opt.Dir, opt.CfgPath)

	self, err := util.ValidateUserID(cfg.Identity.UserID)
	if err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}

	// ── Call history
	db, err := storage.Open(util.ResolvePath(opt.Dir, cfg.Storage.Dir))
	if err != nil {
		return err
	}
	defer db.Close()

	summaries := chat.New(self, db, cfg.Call.HistorySize)
	defer summaries.Close()

	// ── Local media
	capturer, configureMedia := openCapturer(log, cfg.Media)
	devices := media.NewManager(capturer)

	// ── Signaling
	client := signaling.NewClient(signaling.Options{
		URL:               cfg.Signaling.URL,
		Token:             cfg.Identity.Token,
		ReconnectDelay:    cfg.Signaling.ReconnectDelay(),
		ReconnectMaxDelay: cfg.Signaling.ReconnectMaxDelay(),
		ReconnectAttempts: cfg.Signaling.ReconnectAttempts,
		WriteTimeout:      cfg.Signaling.WriteTimeout(),
		PingInterval:      cfg.Signaling.PingInterval(),
	})
	defer client.Close()

	// ICE settings are read per call so a config reload applies to the
	// next session.
	var ice atomic.Pointer[config.ICE]
	ice.Store(&cfg.ICE)
	peers := func(l *logrus.Entry) (call.PeerConn, error) {
		pc := peerConfig(*ice.Load())
		pc.ConfigureMedia = configureMedia
		return call.PeerFactoryFor(pc)(l)
	}

	calls := call.New(call.Options{
		SelfID:          self,
		NoAnswerTimeout: cfg.Call.NoAnswerTimeout(),
		Signaler:        client,
		Media:           devices,
		Peers:           peers,
		Recorder:        summaries,
	})
	defer calls.Close()

	// ── Hot reload
	if opt.CfgPath != "" {
		w, err := config.Watch(opt.CfgPath, func(next config.Config) {
			if err := util.ConfigureLogging(next.Log.Level, next.Log.Format); err != nil {
				log.WithError(err).Warn("Log settings not applied")
			}
			ice.Store(&next.ICE)
		})
		if err != nil {
			log.WithError(err).Warn("Config hot reload disabled")
		} else {
			defer w.Close()
		}
	}

	errCh := make(chan error, 2)
	go func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("signaling: %w", err)
		}
	}()

	// ── Control API
	if cfg.API.HTTPAddr != "" {
		addr := NormalizeLocalAddr(cfg.API.HTTPAddr)
		srv := api.New(api.Deps{Calls: calls, History: db, Chat: summaries})
		go func() {
			if err := srv.Run(ctx, addr); err != nil {
				errCh <- fmt.Errorf("control api: %w", err)
			}
		}()
		log.WithField("url", "http://"+addr).Info("Control API")
	}

	log.WithFields(logrus.Fields{"user": self, "relay": cfg.Signaling.URL}).Info("Peer running")

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// openCapturer picks the capture backend. Device capture falls back to
// synthetic media where no driver exists.
func openCapturer(log *logrus.Entry, cfg config.Media) (media.Capturer, func(*webrtc.MediaEngine) error) {
	if cfg.Capture == config.CaptureSynthetic {
		return media.NewSyntheticCapturer(), nil
	}
	dc, err := media.NewDeviceCapturer(media.DeviceOptions{
		VideoBitRate: cfg.VideoBitRate,
		MaxWidth:     cfg.MaxWidth,
		MaxHeight:    cfg.MaxHeight,
	})
	if err != nil {
		log.WithError(err).Warn("Device capture unavailable, using synthetic media")
		return media.NewSyntheticCapturer(), nil
	}
	return dc, dc.ConfigureMediaEngine
}

func peerConfig(ice config.ICE) peerconn.Config {
	servers := make([]webrtc.ICEServer, 0, len(ice.Servers))
	for _, s := range ice.Servers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return peerconn.Config{
		ICEServers:          servers,
		DisconnectedTimeout: seconds(ice.DisconnectedTimeoutSec),
		FailedTimeout:       seconds(ice.FailedTimeoutSec),
		KeepAliveInterval:   seconds(ice.KeepAliveSec),
		PLIInterval:         seconds(ice.PLIIntervalSec),
	}
}
