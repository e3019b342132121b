package app

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/sirupsen/logrus"
)

// RunRelay runs the signaling relay until ctx is cancelled.
func RunRelay(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := util.ConfigureLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	log := logrus.WithField("component", "app")
	logBanner(log, "relay", opt.Dir, opt.CfgPath)

	tokens, err := relay.NewTokens(cfg.Relay.JWTSecret, cfg.Relay.JWTIssuer, cfg.Relay.TokenTTL())
	if err != nil {
		return fmt.Errorf("relay.jwt_secret: %w", err)
	}

	store, err := openCallStore(ctx, log, cfg.Relay)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := relay.NewHub(relay.HubOptions{
		Store:        store,
		PingInterval: 25 * time.Second,
		WriteTimeout: cfg.Signaling.WriteTimeout(),
	})
	defer hub.Close()

	if opt.CfgPath != "" {
		w, err := config.Watch(opt.CfgPath, func(next config.Config) {
			if err := util.ConfigureLogging(next.Log.Level, next.Log.Format); err != nil {
				log.WithError(err).Warn("Log settings not applied")
			}
		})
		if err != nil {
			log.WithError(err).Warn("Config hot reload disabled")
		} else {
			defer w.Close()
		}
	}

	return relay.NewServer(hub, tokens).Run(ctx, cfg.Relay.ListenAddr)
}

func openCallStore(ctx context.Context, log *logrus.Entry, cfg config.Relay) (relay.CallStore, error) {
	if cfg.RedisAddr == "" {
		log.Info("Call registry in memory")
		return relay.NewMemoryStore(cfg.CallTTL()), nil
	}
	rdb, err := relay.OpenRedis(ctx, relay.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	log.WithField("addr", cfg.RedisAddr).Info("Call registry in redis")
	return relay.NewRedisStore(rdb, cfg.CallTTL()), nil
}

// MintToken issues a relay token for userID, signed with the relay secret
// in cfg.
func MintToken(cfg config.Config, userID, name, avatar string, now time.Time) (string, error) {
	id, err := util.ValidateUserID(userID)
	if err != nil {
		return "", err
	}
	tokens, err := relay.NewTokens(cfg.Relay.JWTSecret, cfg.Relay.JWTIssuer, cfg.Relay.TokenTTL())
	if err != nil {
		return "", fmt.Errorf("relay.jwt_secret: %w", err)
	}
	return tokens.Issue(now, relay.Identity{UserID: id, Name: name, Avatar: avatar})
}
