package notify

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/internal/store"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
)

// testDeliveriesPerMinute caps synchronous channel tests per tenant. The
// counter lives in the store so every notifier replica shares the budget.
const testDeliveriesPerMinute = 5

// RegisterInternalRoutes mounts the operator endpoints on the notifier
// router: synchronous channel tests and dead-letter replay. Both sit
// behind the internal ingress; the tenant comes from a header the edge
// proxy sets after auth.
func RegisterInternalRoutes(router *gin.Engine, gw *store.Gateway, queue *Queue, channels *channelStore, senders senderSet, guard *urlGuard, cfg Config, logger logging.Logger) {
	router.POST("/internal/channels/:id/test", func(c *gin.Context) {
		tenantID := c.GetHeader("X-Tenant-ID")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-Tenant-ID header"})
			return
		}
		channelID := c.Param("id")
		ctx := c.Request.Context()

		allowed, err := bumpTestCounter(ctx, gw, tenantID)
		if err != nil {
			logger.WithFields(logging.Fields{
				"tenant_id": tenantID,
				"error":     err,
			}).Error("Test delivery counter failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "test delivery limit reached, retry next minute"})
			return
		}

		channel, err := channels.Load(ctx, tenantID, channelID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
			return
		}
		if err := validateChannelConfig(ctx, guard, channel.ChannelType, channel.Config); err != nil {
			c.JSON(http.StatusOK, gin.H{"delivered": false, "detail": err.Error()})
			return
		}
		sender, ok := senders[channel.ChannelType]
		if !ok {
			c.JSON(http.StatusOK, gin.H{"delivered": false, "detail": "no sender for channel type " + channel.ChannelType})
			return
		}

		sendCtx, cancel := context.WithTimeout(ctx, cfg.WorkerTimeout)
		defer cancel()
		if err := sender.Send(sendCtx, testPayload(tenantID), channel.Config); err != nil {
			logger.WithFields(logging.Fields{
				"tenant_id":  tenantID,
				"channel_id": channelID,
				"error":      err,
			}).Warn("Test delivery failed")
			c.JSON(http.StatusOK, gin.H{"delivered": false, "detail": err.Error()})
			return
		}

		logger.WithFields(logging.Fields{
			"tenant_id":  tenantID,
			"channel_id": channelID,
			"type":       channel.ChannelType,
		}).Info("Test delivery sent")
		c.JSON(http.StatusOK, gin.H{"delivered": true, "detail": "ok"})
	})

	router.POST("/internal/dead-letters/:id/replay", func(c *gin.Context) {
		tenantID := c.GetHeader("X-Tenant-ID")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-Tenant-ID header"})
			return
		}
		deadLetterID := c.Param("id")

		jobID, err := queue.ReplayDeadLetter(c.Request.Context(), tenantID, deadLetterID)
		if err != nil {
			if faults.IsPermanent(err) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			logger.WithFields(logging.Fields{
				"tenant_id":      tenantID,
				"dead_letter_id": deadLetterID,
				"error":          err,
			}).Error("Dead-letter replay failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		logger.WithFields(logging.Fields{
			"tenant_id":      tenantID,
			"dead_letter_id": deadLetterID,
			"job_id":         jobID,
		}).Info("Dead letter replayed")
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": "PENDING"})
	})
}

// bumpTestCounter increments the tenant's per-minute test counter, shared
// across replicas through the store.
func bumpTestCounter(ctx context.Context, gw *store.Gateway, tenantID string) (bool, error) {
	var count int
	err := gw.WithTenant(ctx, tenantID, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO channel_test_counters (tenant_id, window_start, count)
			VALUES ($1, date_trunc('minute', now()), 1)
			ON CONFLICT (tenant_id, window_start)
			DO UPDATE SET count = channel_test_counters.count + 1
			RETURNING count`, tenantID)
		return row.Scan(&count)
	})
	if err != nil {
		return false, err
	}
	return count <= testDeliveriesPerMinute, nil
}
