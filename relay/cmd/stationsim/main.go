package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"station-relay/relay/internal/envelope"
	"station-relay/relay/internal/stationclient"
	"station-relay/shared/logx"
)

type simConfig struct {
	URL          string
	StationID    string
	Token        string
	Advance      time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	LogLevel     string
	Env          string
	SeedRequests int
}

func loadSimConfig() simConfig {
	cfg := simConfig{
		URL:          envOr("RELAY_URL", "ws://localhost:8080/ws/station"),
		StationID:    envOr("STATION_ID", "DEMO-FM"),
		Token:        envOr("STATION_TOKEN", "demo-token"),
		Advance:      time.Duration(envInt("ADVANCE_SECONDS", 45)) * time.Second,
		MinBackoff:   time.Second,
		MaxBackoff:   30 * time.Second,
		LogLevel:     envOr("LOG_LEVEL", "info"),
		Env:          envOr("ENV", "dev"),
		SeedRequests: envInt("SEED_QUEUE", 3),
	}
	if cfg.Advance <= 0 {
		cfg.Advance = 45 * time.Second
	}
	return cfg
}

func main() {
	cfg := loadSimConfig()
	logger := logx.New("stationsim", cfg.Env, strings.TrimSpace(os.Getenv("VERSION")), cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	station := stationclient.NewStation(stationclient.DemoLibrary())
	for i, t := range stationclient.DemoLibrary() {
		if i >= cfg.SeedRequests {
			break
		}
		station.Add(envelope.QueueAddPayload{TrackID: t.TrackID, RequestedBy: "autodj"})
	}
	station.Advance()

	backoff := cfg.MinBackoff
	for {
		wait, err := runOnce(ctx, cfg, logger, station)
		if ctx.Err() != nil {
			logger.Info(context.Background(), "service_stop", "station simulator stopped")
			return
		}
		if errors.Is(err, stationclient.ErrRejected) {
			logger.Error(ctx, "station_rejected", "relay rejected the station", logx.Err("ERR_UNAUTHORIZED", err)...)
			return
		}
		if err == nil {
			backoff = cfg.MinBackoff
		}
		if wait <= 0 {
			wait = backoff
			backoff *= 2
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
		logger.Warn(ctx, "station_reconnecting", "reconnecting to relay",
			slog.Int64("wait_ms", wait.Milliseconds()),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runOnce holds one connection until it drops. It returns how long to wait
// before reconnecting when the relay asked for a specific delay.
func runOnce(ctx context.Context, cfg simConfig, logger logx.Logger, station *stationclient.Station) (time.Duration, error) {
	client := stationclient.New(stationclient.Options{
		URL:           cfg.URL,
		StationID:     cfg.StationID,
		Token:         cfg.Token,
		ClientVersion: "stationsim/1.0",
		Logger:        logger,
	})
	station.Install(client)

	if _, err := client.Connect(ctx); err != nil {
		return 0, err
	}
	_ = client.UpdateNowPlaying(station.NowPlaying())
	_ = client.UpdateQueue(station.Queue())

	ticker := time.NewTicker(cfg.Advance)
	defer ticker.Stop()
	for {
		select {
		case <-client.Done():
			if notice, ok := client.Shutdown(); ok {
				return time.Duration(notice.ReconnectAfterSeconds) * time.Second, nil
			}
			return 0, client.Err()
		case <-ticker.C:
			np, q := station.Advance()
			if np.IsPlaying {
				logger.Info(ctx, "track_started", "now playing",
					slog.String("track_id", np.TrackID),
					slog.String("title", np.Title),
				)
			}
			_ = client.UpdateNowPlaying(np)
			_ = client.UpdateQueue(q)
		}
	}
}

func envOr(key string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
