package transport

import (
	"bytes"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"memsync/internal/identity"
	"memsync/internal/models"
	"memsync/internal/registry"
)

const peerKey = "memsync.peer"

// PeerFromContext returns the authenticated peer set by RequireSignature.
func PeerFromContext(c *gin.Context) *models.Peer {
	if v, ok := c.Get(peerKey); ok {
		if p, ok := v.(*models.Peer); ok {
			return p
		}
	}
	return nil
}

// RequestLogger logs each request at debug level once it completes.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
			"device", c.GetHeader(HeaderDeviceID),
		)
	}
}

// RequireSignature authenticates a signed request: the sender must be a
// pinned peer, the signature must verify against the pinned key, the
// timestamp must fall inside the skew window, and the nonce must be fresh.
// Any failure rejects the request with 401 before a handler runs, so a bad
// request has zero side effects.
func RequireSignature(reg *registry.Registry, nonces *NonceCache, skew time.Duration, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := strings.TrimSpace(c.GetHeader(HeaderDeviceID))
		timestamp := strings.TrimSpace(c.GetHeader(HeaderTimestamp))
		nonce := strings.TrimSpace(c.GetHeader(HeaderNonce))
		sigB64 := strings.TrimSpace(c.GetHeader(HeaderSignature))
		if deviceID == "" || timestamp == "" || nonce == "" || sigB64 == "" {
			reject(c, log, deviceID, "missing auth headers")
			return
		}

		peer, err := reg.Get(c.Request.Context(), deviceID)
		if err != nil {
			reject(c, log, deviceID, "unpinned sender")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			reject(c, log, deviceID, "unreadable body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sig, err := base64.StdEncoding.DecodeString(sigB64)
		if err != nil {
			reject(c, log, deviceID, "undecodable signature")
			return
		}
		canonical := Canonical(c.Request.Method, c.Request.URL.RequestURI(), body, timestamp, nonce)
		if !identity.Verify(peer.PublicKey, canonical, sig) {
			reject(c, log, deviceID, "bad signature")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			reject(c, log, deviceID, "unparsable timestamp")
			return
		}
		drift := time.Since(time.Unix(ts, 0))
		if drift < 0 {
			drift = -drift
		}
		if drift > skew {
			reject(c, log, deviceID, "stale timestamp")
			return
		}

		// Nonces are scoped per sender so peers cannot collide or deny each
		// other. The signature check above already ran, so a rejected nonce
		// here is a genuine replay.
		if !nonces.Remember(deviceID + ":" + nonce) {
			reject(c, log, deviceID, "replayed nonce")
			return
		}

		c.Set(peerKey, peer)
		c.Next()
	}
}

func reject(c *gin.Context, log *slog.Logger, deviceID, reason string) {
	log.Warn("rejected request", "device", deviceID, "path", c.Request.URL.Path, "reason", reason)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}
