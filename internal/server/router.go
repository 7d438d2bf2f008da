package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sodar-core/sodar-sync/internal/metrics"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
	"github.com/sodar-core/sodar-sync/internal/remotesync"
	"go.uber.org/zap"
)

var (
	errMissingSiteDirectory = errors.New("site directory dependency required")
	errMissingPayloadSource = errors.New("payload builder dependency required")
	errMissingSigner        = errors.New("payload signer dependency required")
)

// SiteDirectory authenticates targets by their shared secret.
type SiteDirectory interface {
	SiteBySecret(ctx context.Context, secret string) (remotesites.RemoteSite, error)
}

// PayloadBuilder assembles the payload served to one target.
type PayloadBuilder interface {
	BuildSourceData(ctx context.Context, target remotesites.RemoteSite) (remotesync.Payload, error)
}

// PayloadSigner signs a served body with the target's secret.
type PayloadSigner interface {
	Sign(secret string, body []byte) (string, error)
}

type Dependencies struct {
	Sites    SiteDirectory
	Payloads PayloadBuilder
	Signer   PayloadSigner
	SiteMode remotesites.SiteMode
	Metrics  *metrics.Collectors
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sites == nil {
		return nil, errMissingSiteDirectory
	}
	if deps.Payloads == nil {
		return nil, errMissingPayloadSource
	}
	if deps.Signer == nil {
		return nil, errMissingSigner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sites:    deps.Sites,
		payloads: deps.Payloads,
		signer:   deps.Signer,
		siteMode: deps.SiteMode,
		metrics:  deps.Metrics,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/remote/api/get/:secret", handler.handleGetPayload)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type"},
		ExposeHeaders: []string{remotesync.SignatureHeader},
		MaxAge:        12 * time.Hour,
	})
}

type httpHandler struct {
	sites    SiteDirectory
	payloads PayloadBuilder
	signer   PayloadSigner
	siteMode remotesites.SiteMode
	metrics  *metrics.Collectors
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": string(h.siteMode)})
}

// handleGetPayload serves the sync payload to the target owning the secret in the path.
func (h *httpHandler) handleGetPayload(c *gin.Context) {
	if h.siteMode != remotesites.ModeSource {
		h.metrics.ObservePayload("not_source")
		c.JSON(http.StatusBadRequest, gin.H{"error": "not_source_site"})
		return
	}

	site, err := h.sites.SiteBySecret(c.Request.Context(), c.Param("secret"))
	if errors.Is(err, remotesites.ErrSiteNotFound) {
		h.logger.Info("payload requested with unknown secret", zap.String("client_ip", c.ClientIP()))
		h.metrics.ObservePayload("unauthorized")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("failed to look up remote site", zap.Error(err))
		h.metrics.ObservePayload("error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "site_lookup_failed"})
		return
	}

	payload, err := h.payloads.BuildSourceData(c.Request.Context(), site)
	if err != nil {
		h.logger.Error("failed to build payload", zap.String("site", site.Name), zap.Error(err))
		h.metrics.ObservePayload("error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payload_build_failed"})
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to encode payload", zap.String("site", site.Name), zap.Error(err))
		h.metrics.ObservePayload("error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payload_encode_failed"})
		return
	}
	signature, err := h.signer.Sign(site.Secret, body)
	if err != nil {
		h.logger.Error("failed to sign payload", zap.String("site", site.Name), zap.Error(err))
		h.metrics.ObservePayload("error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payload_sign_failed"})
		return
	}

	h.metrics.ObservePayload("ok")
	c.Header(remotesync.SignatureHeader, signature)
	c.Data(http.StatusOK, "application/json", body)
}
