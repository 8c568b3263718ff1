package notify

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/cache"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/crypto"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

const (
	channelCacheTTL         = 30 * time.Second
	channelCacheNegativeTTL = 10 * time.Second
)

// channelStore loads notification channels through the tenant-scoped
// gateway with a short cache in front. A deleted channel stays negatively
// cached briefly, which is fine: its jobs fail permanent either way.
type channelStore struct {
	gateway   *store.Gateway
	decryptor *crypto.FieldEncryptor
	cache     *cache.Cache
}

func newChannelStore(gw *store.Gateway, decryptor *crypto.FieldEncryptor, hooks cache.Hooks) *channelStore {
	return &channelStore{
		gateway:   gw,
		decryptor: decryptor,
		cache: cache.New(cache.Options{
			TTL:         channelCacheTTL,
			NegativeTTL: channelCacheNegativeTTL,
			MaxEntries:  4096,
		}, hooks),
	}
}

// Load returns the channel or a permanent fault when it no longer exists.
func (cs *channelStore) Load(ctx context.Context, tenantID, channelID string) (*models.NotificationChannel, error) {
	key := tenantID + ":" + channelID
	val, ok, err := cs.cache.Get(ctx, key, func(ctx context.Context, _ string) (interface{}, bool, error) {
		ch, err := cs.fetch(ctx, tenantID, channelID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, false, nil
			}
			return nil, false, err
		}
		return ch, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.Newf(faults.KindPermanent, "channel %s not found", channelID)
	}
	return val.(*models.NotificationChannel), nil
}

// Invalidate drops one channel from the cache, used after config edits
// surfaced through the test endpoint.
func (cs *channelStore) Invalidate(tenantID, channelID string) {
	cs.cache.Delete(tenantID + ":" + channelID)
}

func (cs *channelStore) fetch(ctx context.Context, tenantID, channelID string) (*models.NotificationChannel, error) {
	var ch models.NotificationChannel
	err := cs.gateway.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT channel_id, tenant_id, channel_type, name, config, enabled, created_at
			FROM notification_channels
			WHERE channel_id = $1`, channelID)
		return row.Scan(&ch.ChannelID, &ch.TenantID, &ch.ChannelType, &ch.Name, &ch.Config, &ch.Enabled, &ch.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	if err := cs.decryptConfig(&ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// decryptConfig unwraps encrypted string fields in the channel config.
// Plaintext values pass through; a value we cannot decrypt makes every
// delivery on this channel fail the same way, so it is permanent.
func (cs *channelStore) decryptConfig(ch *models.NotificationChannel) error {
	if cs.decryptor == nil {
		return nil
	}
	for key, val := range ch.Config {
		s, isString := val.(string)
		if !isString || !crypto.IsEncrypted(s) {
			continue
		}
		plain, err := cs.decryptor.Decrypt(s)
		if err != nil {
			return faults.Wrapf(faults.KindPermanent, err, "channel %s config field %s", ch.ChannelID, key)
		}
		ch.Config[key] = plain
	}
	return nil
}

// validateChannelConfig checks a channel's config document the way its
// sender would, including the URL guard for webhook-style channels. Used
// at channel-validation time so operators hear about bad configs before
// an alert does.
func validateChannelConfig(ctx context.Context, guard *urlGuard, channelType string, config models.JSONB) error {
	switch channelType {
	case models.ChannelSlack:
		var cfg slackConfig
		if err := decodeChannelConfig(config, &cfg); err != nil {
			return err
		}
		if cfg.WebhookURL == "" {
			return faults.New(faults.KindPermanent, "slack channel has no webhook_url")
		}
		return guard.Check(ctx, cfg.WebhookURL)
	case models.ChannelTeams:
		var cfg teamsConfig
		if err := decodeChannelConfig(config, &cfg); err != nil {
			return err
		}
		if cfg.WebhookURL == "" {
			return faults.New(faults.KindPermanent, "teams channel has no webhook_url")
		}
		return guard.Check(ctx, cfg.WebhookURL)
	case models.ChannelWebhook:
		var cfg webhookConfig
		if err := decodeChannelConfig(config, &cfg); err != nil {
			return err
		}
		if cfg.URL == "" {
			return faults.New(faults.KindPermanent, "webhook channel has no url")
		}
		return guard.Check(ctx, cfg.URL)
	case models.ChannelPagerDuty:
		var cfg pagerdutyConfig
		if err := decodeChannelConfig(config, &cfg); err != nil {
			return err
		}
		if cfg.RoutingKey == "" {
			return faults.New(faults.KindPermanent, "pagerduty channel has no routing_key")
		}
		return nil
	case models.ChannelEmail:
		var cfg emailConfig
		if err := decodeChannelConfig(config, &cfg); err != nil {
			return err
		}
		if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
			return faults.New(faults.KindPermanent, "email channel needs host, from and to")
		}
		return nil
	case models.ChannelSNMP:
		var cfg snmpConfig
		if err := decodeChannelConfig(config, &cfg); err != nil {
			return err
		}
		_, _, err := snmpClient(cfg)
		return err
	case models.ChannelMQTT:
		var cfg mqttConfig
		if err := decodeChannelConfig(config, &cfg); err != nil {
			return err
		}
		if cfg.BrokerURL == "" {
			return faults.New(faults.KindPermanent, "mqtt channel has no broker_url")
		}
		if cfg.TopicTemplate != "" {
			if _, err := expandAlertTopic(cfg.TopicTemplate, models.AlertPayload{
				TenantID: "tenant", DeviceID: "device", AlertType: "TEST", Severity: 3,
			}); err != nil {
				return err
			}
		}
		return nil
	default:
		return faults.Newf(faults.KindPermanent, "unknown channel type %q", channelType)
	}
}
