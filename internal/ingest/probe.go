package ingest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
)

// authProbeRequest is the broker CONNECT delegation body.
type authProbeRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
}

// aclProbeRequest is the broker topic-authorisation body. Acc is the broker
// access code (1 read, 2 write, 4 subscribe); the subtree rule is the same
// for all of them.
type aclProbeRequest struct {
	Username string `json:"username"`
	Topic    string `json:"topic"`
	Acc      int    `json:"acc"`
}

// RegisterProbeRoutes mounts the broker delegation endpoints on the ingest
// router. The broker calls these for every device CONNECT and publish.
func RegisterProbeRoutes(router *gin.Engine, auth *Authenticator, metrics *Metrics, logger logging.Logger) {
	router.POST("/mqtt/auth", func(c *gin.Context) {
		var req authProbeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			metrics.authProbe("malformed")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		if err := auth.Authenticate(c.Request.Context(), req.Username, req.Password); err != nil {
			metrics.authProbe("denied")
			logger.WithFields(logging.Fields{
				"username": req.Username,
				"reason":   err.Error(),
			}).Warn("Device auth refused")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		metrics.authProbe("allowed")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/mqtt/acl", func(c *gin.Context) {
		var req aclProbeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			metrics.authProbe("malformed")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		if !auth.AuthorizeTopic(req.Username, req.Topic) {
			metrics.authProbe("acl_denied")
			logger.WithFields(logging.Fields{
				"username": req.Username,
				"topic":    req.Topic,
			}).Warn("Topic access refused")
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		metrics.authProbe("acl_allowed")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
