// Package delivery routes finished whispers to the tenant's recipient over a
// direct channel, falling back to a shared channel when the direct send
// fails. Every attempt leaves the whisper in a terminal delivery status.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nightjarhq/murmur/internal/cache"
	"github.com/nightjarhq/murmur/internal/config"
	"github.com/nightjarhq/murmur/internal/store"
	"github.com/nightjarhq/murmur/pkg/models"
)

// ChannelDirect is the channel_used value recorded for a direct delivery.
const ChannelDirect = "direct"

// Messenger is the transport interface for delivery. Both methods return the
// transport's reference for the created resource.
type Messenger interface {
	OpenDirectChannel(ctx context.Context, userRef string) (string, error)
	PostMessage(ctx context.Context, channel, text string) (string, error)
}

// whisperStore is the slice of the data store the engine needs.
type whisperStore interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	UpdateWhisperDelivery(ctx context.Context, id uuid.UUID, status string, opts ...store.WhisperUpdateOption) error
}

// Engine delivers whispers. It caches resolved recipient channels in the
// coordination store so repeat deliveries skip the lookup round-trip.
type Engine struct {
	store     whisperStore
	cache     cache.Cache
	messenger Messenger
	cfg       config.DeliveryConfig
	logger    *slog.Logger
}

// New creates a delivery Engine.
func New(st whisperStore, c cache.Cache, m Messenger, cfg config.DeliveryConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:     st,
		cache:     c,
		messenger: m,
		cfg:       cfg,
		logger:    logger,
	}
}

// Deliver attempts the direct channel first and the fallback channel exactly
// once after that. The whisper always ends delivered or failed; it is never
// left pending after an attempt. The returned error is non-nil when both
// attempts failed, or when the outcome could not be recorded on the whisper,
// so the run's session log always reflects a delivery that went wrong.
func (e *Engine) Deliver(ctx context.Context, w *models.Whisper) error {
	tenant, err := e.store.GetTenant(ctx, w.TenantID)
	if err != nil {
		if uerr := e.markFailed(ctx, w, fmt.Sprintf("load tenant: %v", err)); uerr != nil {
			return fmt.Errorf("load tenant %s: %w; status update failed: %v", w.TenantID, err, uerr)
		}
		return fmt.Errorf("load tenant %s: %w", w.TenantID, err)
	}

	text := formatWhisper(w)

	var primaryErr error
	channel, err := e.resolveRecipient(ctx, tenant)
	if err != nil {
		primaryErr = err
	} else {
		ref, err := e.messenger.PostMessage(ctx, channel, text)
		if err == nil {
			return e.markDelivered(ctx, w, ChannelDirect, ref)
		}
		primaryErr = err
		// A stale cached channel is the usual cause; drop it so the next
		// delivery resolves fresh.
		if delErr := e.cache.Delete(ctx, cache.RecipientKey(tenant.ID)); delErr != nil {
			e.logger.Warn("recipient cache invalidation failed",
				"tenant_id", tenant.ID, "error", delErr)
		}
	}

	e.logger.Warn("direct delivery failed, trying fallback channel",
		"whisper_id", w.ID, "tenant_id", tenant.ID, "error", primaryErr)

	fallback := tenant.FallbackChannel
	if fallback == "" {
		fallback = e.cfg.FallbackChannel
	}

	ref, fallbackErr := e.messenger.PostMessage(ctx, fallback, text)
	if fallbackErr == nil {
		return e.markDelivered(ctx, w, fallback, ref)
	}

	msg := fmt.Sprintf("direct: %v; fallback: %v", primaryErr, fallbackErr)
	if uerr := e.markFailed(ctx, w, msg); uerr != nil {
		return fmt.Errorf("all channels failed: %s; status update failed: %v", msg, uerr)
	}
	return fmt.Errorf("all channels failed: %s", msg)
}

// resolveRecipient returns the tenant recipient's direct channel, from cache
// when possible. Cache failures degrade to a fresh lookup.
func (e *Engine) resolveRecipient(ctx context.Context, tenant *models.Tenant) (string, error) {
	key := cache.RecipientKey(tenant.ID)

	cached, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("recipient cache read failed", "tenant_id", tenant.ID, "error", err)
	} else if ok {
		return string(cached), nil
	}

	channel, err := e.messenger.OpenDirectChannel(ctx, tenant.RecipientRef)
	if err != nil {
		return "", fmt.Errorf("open direct channel for %s: %w", tenant.RecipientRef, err)
	}

	if err := e.cache.Set(ctx, key, []byte(channel), e.cfg.RecipientCacheTTL); err != nil {
		e.logger.Warn("recipient cache write failed", "tenant_id", tenant.ID, "error", err)
	}
	return channel, nil
}

// markDelivered records a successful send. A failed write leaves the whisper
// pending even though the message went out; the error is returned so the
// caller can record that the store and the channel disagree.
func (e *Engine) markDelivered(ctx context.Context, w *models.Whisper, channel, ref string) error {
	opts := []store.WhisperUpdateOption{
		store.WithChannelUsed(channel),
		store.WithDeliveredAt(time.Now().UTC()),
	}
	if ref != "" {
		opts = append(opts, store.WithMessageRef(ref))
	}
	if err := e.store.UpdateWhisperDelivery(ctx, w.ID, models.WhisperStatusDelivered, opts...); err != nil {
		e.logger.Error("whisper status update failed",
			"whisper_id", w.ID, "status", models.WhisperStatusDelivered, "error", err)
		return fmt.Errorf("sent on %s but status update failed: %w", channel, err)
	}
	e.logger.Info("whisper delivered", "whisper_id", w.ID, "channel", channel)
	return nil
}

func (e *Engine) markFailed(ctx context.Context, w *models.Whisper, msg string) error {
	err := e.store.UpdateWhisperDelivery(ctx, w.ID, models.WhisperStatusFailed,
		store.WithDeliveryError(msg))
	if err != nil {
		e.logger.Error("whisper status update failed",
			"whisper_id", w.ID, "status", models.WhisperStatusFailed, "error", err)
	}
	return err
}

// formatWhisper renders the whisper body for a chat channel.
func formatWhisper(w *models.Whisper) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n%s", w.Title, w.Content.Message)
	if len(w.Content.SuggestedActions) > 0 {
		b.WriteString("\n\nSuggested next steps:")
		for _, action := range w.Content.SuggestedActions {
			fmt.Fprintf(&b, "\n• %s", action)
		}
	}
	if w.Content.Rationale != "" {
		fmt.Fprintf(&b, "\n\n_%s_", w.Content.Rationale)
	}
	return b.String()
}
