package transport

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"memsync/internal/identity"
	"memsync/internal/merge"
	"memsync/internal/models"
	"memsync/internal/oplog"
	"memsync/internal/registry"
	"memsync/internal/store"
)

const maxPushBatch = 1000

// Server exposes this device's replication endpoints to its pinned peers.
type Server struct {
	id      *identity.Identity
	st      *store.Store
	log     *oplog.Log
	engine  *merge.Engine
	reg     *registry.Registry
	logger  *slog.Logger
	maxPage int
}

func NewServer(id *identity.Identity, st *store.Store, log *oplog.Log, engine *merge.Engine, reg *registry.Registry, logger *slog.Logger, maxPage int) *Server {
	if maxPage <= 0 {
		maxPage = 500
	}
	return &Server{id: id, st: st, log: log, engine: engine, reg: reg, logger: logger, maxPage: maxPage}
}

// Router builds the gin engine: an unauthenticated health probe plus the
// signed /v1 group.
func (s *Server) Router(nonces *NonceCache, skew time.Duration) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(s.logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", HeaderDeviceID, HeaderTimestamp, HeaderNonce, HeaderSignature},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.Use(RequireSignature(s.reg, nonces, skew, s.logger))
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/ops", s.handleOps)
		v1.POST("/ops", s.handlePushOps)
	}
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	peer := PeerFromContext(c)
	pending, err := s.log.PendingCount(c.Request.Context(), peer.LastServedSeq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	resp := gin.H{
		"device_id":   s.id.DeviceID,
		"fingerprint": s.id.Fingerprint,
		"pending":     pending,
	}
	if !peer.LastSyncAt.IsZero() {
		resp["last_sync_at"] = peer.LastSyncAt
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleOps(c *gin.Context) {
	peer := PeerFromContext(c)
	since := parseInt64Default(c.Query("since"), 0)
	limit := int(parseInt64Default(c.Query("limit"), 100))
	if limit <= 0 || limit > s.maxPage {
		limit = s.maxPage
	}
	entityType := c.Query("type")

	ops, next, err := s.log.OpsSince(c.Request.Context(), since, entityType, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	// The page stops at the first op this peer's project filter excludes:
	// nothing past it is disclosed, and next_cursor never invites the peer
	// over an op it was not served.
	for i := range ops {
		if !peer.Allowed(ops[i].Project) {
			next = since
			if i > 0 {
				next = ops[i-1].Seq
			}
			ops = ops[:i]
			break
		}
	}
	// Remember how far this peer has pulled; feeds the status endpoint's
	// pending count, nothing else.
	if err := s.reg.RecordServedPull(c.Request.Context(), peer.DeviceID, since); err != nil {
		s.logger.Warn("record served pull", "peer", peer.DeviceID, "err", err)
	}
	if ops == nil {
		ops = []models.Op{}
	}
	c.JSON(http.StatusOK, gin.H{"ops": ops, "next_cursor": next})
}

func (s *Server) handlePushOps(c *gin.Context) {
	peer := PeerFromContext(c)
	var body struct {
		Ops []models.Op `json:"ops"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}
	if len(body.Ops) > maxPushBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch too large"})
		return
	}

	applied, skipped := 0, 0
	// One transaction per pushed batch: a failure mid-batch commits nothing
	// and the sender retries the whole page.
	err := s.st.WithTx(c.Request.Context(), func(tx *sql.Tx) error {
		for i := range body.Ops {
			op := &body.Ops[i]
			if !peer.Allowed(op.Project) {
				skipped++
				continue
			}
			outcome, err := s.engine.ApplyTx(c.Request.Context(), tx, op)
			if err != nil {
				return err
			}
			if outcome == merge.Applied {
				applied++
			} else {
				skipped++
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrMalformedOp) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("push apply failed", "peer", peer.DeviceID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied, "skipped": skipped})
}

func parseInt64Default(v string, fallback int64) int64 {
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
