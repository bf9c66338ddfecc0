package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Naveenravi07/Avara/internal/admission"
	"github.com/Naveenravi07/Avara/internal/auth"
	"github.com/Naveenravi07/Avara/internal/bus"
	"github.com/Naveenravi07/Avara/internal/media"
	"github.com/Naveenravi07/Avara/internal/meet"
	"github.com/Naveenravi07/Avara/internal/observability/logging"
	"github.com/Naveenravi07/Avara/internal/session"
	"github.com/Naveenravi07/Avara/internal/signaling"
)

func configureMediaEngine(driver string, portMin, portMax int, logger *slog.Logger) (media.Engine, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "webrtc":
		return media.NewWebRTCEngine(media.WebRTCConfig{
			PortMin: uint16(portMin),
			PortMax: uint16(portMax),
			Logger:  logging.WithComponent(logger, "media"),
		})
	case "memory":
		return media.NewMemoryEngine(), nil
	default:
		return nil, fmt.Errorf("unknown media engine driver %q", driver)
	}
}

func configureAdmissionBackend(driver string, cfg redisSettings, logger *slog.Logger) (bus.Bus, admission.Store, error) {
	switch driver {
	case "", "memory":
		return bus.NewMemoryBus(0), admission.NewMemoryStore(), nil
	case "redis":
		events, err := bus.NewRedisBus(bus.RedisBusConfig{
			Addr:       cfg.Addr,
			Addrs:      cfg.Addrs,
			Username:   cfg.Username,
			Password:   cfg.Password,
			MasterName: cfg.MasterName,
			Channel:    cfg.Channel,
			Logger:     logging.WithComponent(logger, "bus"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("configure redis bus: %w", err)
		}
		store, err := admission.NewRedisStore(admission.RedisStoreConfig{
			Addr:       cfg.Addr,
			Addrs:      cfg.Addrs,
			Username:   cfg.Username,
			Password:   cfg.Password,
			MasterName: cfg.MasterName,
			KeyPrefix:  cfg.KeyPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("configure redis store: %w", err)
		}
		return events, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown admission driver %q", driver)
	}
}

func configureMeetings(driver, dsn string, maxConns int) (meet.Repository, error) {
	switch driver {
	case "", "memory":
		return meet.NewMemoryRepository(), nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return meet.NewPostgresRepository(ctx, meet.PostgresConfig{
			DSN:             dsn,
			MaxConnections:  int32(maxConns),
			ApplicationName: "avara-server",
		})
	default:
		return nil, fmt.Errorf("unknown meetings driver %q", driver)
	}
}

func signalingSessionGateway(coordinator *session.Coordinator, meetings meet.Repository, events bus.Bus, logger *slog.Logger) *signaling.SessionGateway {
	return signaling.NewSessionGateway(signaling.SessionGatewayConfig{
		Coordinator: coordinator,
		Meetings:    meetings,
		Events:      events,
		Logger:      logging.WithComponent(logger, "session-gateway"),
	})
}

func signalingAdmissionGateway(coordinator *admission.Coordinator, meetings meet.Repository, logger *slog.Logger) *signaling.AdmissionGateway {
	return signaling.NewAdmissionGateway(signaling.AdmissionGatewayConfig{
		Admission: coordinator,
		Meetings:  meetings,
		Logger:    logging.WithComponent(logger, "admission-gateway"),
	})
}

func startSessionPurgeWorker(ctx context.Context, sessions *auth.SessionManager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.PurgeExpired(time.Now())
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
