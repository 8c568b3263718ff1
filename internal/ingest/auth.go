package ingest

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/cache"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/models"
)

// Auth refusal errors. All carry faults.KindAuth so the broker probe maps
// them to 401 and the message path drops without retry.
var (
	ErrBadUsername         = faults.New(faults.KindAuth, "username must be {tenant_id}:{device_id}")
	ErrUnknownDevice       = faults.New(faults.KindAuth, "device not registered")
	ErrDeviceSuspended     = faults.New(faults.KindAuth, "device is suspended")
	ErrSubscriptionBlocked = faults.New(faults.KindAuth, "subscription suspended or expired")
	ErrTokenMismatch       = faults.New(faults.KindAuth, "provision token mismatch")
)

// HashProvisionToken computes the stable digest compared against
// devices.provision_token_hash.
func HashProvisionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// deviceRecord is the cached registry row consulted on CONNECT and on
// every message.
type deviceRecord struct {
	TenantID           string
	DeviceID           string
	SiteID             string
	TokenHash          string
	Status             string
	SensorLimit        *int
	SubscriptionStatus string
	DefaultSensorLimit *int
}

// EffectiveSensorLimit resolves device override, then tier default, then
// the platform default of 20.
func (r *deviceRecord) EffectiveSensorLimit() int {
	if r.SensorLimit != nil {
		return *r.SensorLimit
	}
	if r.DefaultSensorLimit != nil {
		return *r.DefaultSensorLimit
	}
	return models.DefaultSensorLimit
}

// Authenticator answers broker CONNECT/ACL probes and device lookups on
// the message path, backed by one credential cache (positive 60 s,
// negative 10 s, singleflight on concurrent misses).
type Authenticator struct {
	gw     *store.Gateway
	cache  *cache.Cache
	logger logging.Logger
}

// NewAuthenticator wires the credential cache over the gateway.
func NewAuthenticator(gw *store.Gateway, logger logging.Logger, hooks cache.Hooks) *Authenticator {
	return &Authenticator{
		gw: gw,
		cache: cache.New(cache.Options{
			TTL:         60 * time.Second,
			NegativeTTL: 10 * time.Second,
			MaxEntries:  100_000,
		}, hooks),
		logger: logger,
	}
}

func credentialKey(tenantID, deviceID string) string {
	return tenantID + "/" + deviceID
}

// SplitUsername parses the CONNECT username "{tenant_id}:{device_id}".
func SplitUsername(username string) (tenantID, deviceID string, err error) {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrBadUsername
	}
	return parts[0], parts[1], nil
}

// Lookup returns the registry record for a device, loading through the
// cache. Unknown devices come back as ErrUnknownDevice and are negatively
// cached.
func (a *Authenticator) Lookup(ctx context.Context, tenantID, deviceID string) (*deviceRecord, error) {
	key := credentialKey(tenantID, deviceID)
	value, ok, err := a.cache.Get(ctx, key, func(ctx context.Context, _ string) (interface{}, bool, error) {
		rec, err := a.fetch(ctx, tenantID, deviceID)
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownDevice
	}
	return value.(*deviceRecord), nil
}

func (a *Authenticator) fetch(ctx context.Context, tenantID, deviceID string) (*deviceRecord, error) {
	rec := &deviceRecord{}
	err := a.gw.WithService(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT d.tenant_id, d.device_id, COALESCE(d.site_id, ''),
			       COALESCE(d.provision_token_hash, ''), d.status, d.sensor_limit,
			       COALESCE(s.status, 'ACTIVE'), s.default_sensor_limit
			FROM devices d
			LEFT JOIN subscriptions s ON s.tenant_id = d.tenant_id
			WHERE d.tenant_id = $1 AND d.device_id = $2
		`, tenantID, deviceID)
		return row.Scan(&rec.TenantID, &rec.DeviceID, &rec.SiteID, &rec.TokenHash,
			&rec.Status, &rec.SensorLimit, &rec.SubscriptionStatus, &rec.DefaultSensorLimit)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownDevice
		}
		return nil, err
	}
	return rec, nil
}

// Authenticate verifies a CONNECT probe. On token mismatch the cache entry
// is dropped so a rotated token is re-read on the next attempt.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) error {
	tenantID, deviceID, err := SplitUsername(username)
	if err != nil {
		return err
	}

	rec, err := a.Lookup(ctx, tenantID, deviceID)
	if err != nil {
		return err
	}

	if rec.Status != models.DeviceStatusActive {
		return ErrDeviceSuspended
	}
	switch rec.SubscriptionStatus {
	case models.SubscriptionSuspended, models.SubscriptionExpired:
		return ErrSubscriptionBlocked
	}

	hash := HashProvisionToken(password)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(rec.TokenHash)) != 1 {
		a.Invalidate(tenantID, deviceID)
		return ErrTokenMismatch
	}
	return nil
}

// AuthorizeTopic answers the broker ACL probe: a device may only touch
// topics beneath its own tenant/{tenant}/device/{device}/ subtree.
func (a *Authenticator) AuthorizeTopic(username, topic string) bool {
	tenantID, deviceID, err := SplitUsername(username)
	if err != nil {
		return false
	}
	prefix := "tenant/" + tenantID + "/device/" + deviceID + "/"
	return strings.HasPrefix(topic, prefix) && len(topic) > len(prefix)
}

// Invalidate drops a cached credential entry, used when auth flips or the
// registry changes underneath us.
func (a *Authenticator) Invalidate(tenantID, deviceID string) {
	a.cache.Delete(credentialKey(tenantID, deviceID))
}
