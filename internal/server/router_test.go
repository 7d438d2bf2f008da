package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sodar-core/sodar-sync/internal/database"
	"github.com/sodar-core/sodar-sync/internal/metrics"
	"github.com/sodar-core/sodar-sync/internal/projects"
	"github.com/sodar-core/sodar-sync/internal/remotesites"
	"github.com/sodar-core/sodar-sync/internal/remotesync"
	"github.com/sodar-core/sodar-sync/internal/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const targetSecret = "0123456789abcdef0123456789abcdef"

type routerFixture struct {
	handler  http.Handler
	registry *prometheus.Registry
	logs     *observer.ObservedLogs
	clock    func() time.Time
}

func newRouterFixture(t *testing.T, mode remotesites.SiteMode) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "source.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }

	sites, err := remotesites.NewService(remotesites.ServiceConfig{Database: db, IDProvider: remotesites.NewUUIDProvider(), Clock: clock})
	if err != nil {
		t.Fatalf("failed to create site service: %v", err)
	}
	target, err := sites.AddSite(context.Background(), remotesites.ModeSource, remotesites.SiteInput{
		Name:   "target",
		URL:    "https://target.example.com",
		Mode:   remotesites.ModeTarget,
		Secret: targetSecret,
	})
	if err != nil {
		t.Fatalf("failed to add target: %v", err)
	}

	category := projects.Project{UUID: "cat", Title: "Category", Type: projects.TypeCategory}
	if err := db.Create(&category).Error; err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	if _, err := sites.SetProjectAccess(context.Background(), target.ID, "cat", "VIEW_AVAIL"); err != nil {
		t.Fatalf("failed to grant access: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	syncService, err := remotesync.NewService(remotesync.ServiceConfig{Database: db, Users: userService, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create sync service: %v", err)
	}

	registry := prometheus.NewRegistry()
	collectors, err := metrics.NewCollectors(registry)
	if err != nil {
		t.Fatalf("failed to register metrics: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)

	handler, err := NewHTTPHandler(Dependencies{
		Sites:    sites,
		Payloads: syncService,
		Signer:   remotesync.NewPayloadSigner(time.Minute, clock),
		SiteMode: mode,
		Metrics:  collectors,
		Gatherer: registry,
		Logger:   zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return routerFixture{handler: handler, registry: registry, logs: logs, clock: clock}
}

func (f routerFixture) get(path string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingSiteDirectory) {
		t.Fatalf("expected missing site directory error, got %v", err)
	}
}

func TestGetPayloadServesSignedPayload(t *testing.T) {
	fixture := newRouterFixture(t, remotesites.ModeSource)

	recorder := fixture.get("/remote/api/get/" + targetSecret)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	body := recorder.Body.Bytes()
	signature := recorder.Header().Get(remotesync.SignatureHeader)
	if err := remotesync.VerifyPayloadSignature(targetSecret, body, signature, fixture.clock); err != nil {
		t.Fatalf("expected verifiable signature: %v", err)
	}

	payload, err := remotesync.DecodePayload(body)
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Projects["cat"].Level != "VIEW_AVAIL" || payload.Projects["cat"].Title != "Category" {
		t.Fatalf("unexpected payload %#v", payload)
	}

	metricsRecorder := fixture.get("/metrics")
	if !strings.Contains(metricsRecorder.Body.String(), `sodar_sync_payloads_served_total{result="ok"} 1`) {
		t.Fatalf("expected served payload metric, got %s", metricsRecorder.Body.String())
	}
}

func TestGetPayloadRejectsUnknownSecret(t *testing.T) {
	fixture := newRouterFixture(t, remotesites.ModeSource)

	recorder := fixture.get("/remote/api/get/not-a-known-secret")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	entries := fixture.logs.FilterMessage("payload requested with unknown secret").All()
	if len(entries) != 1 || entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected one info log entry, got %v", fixture.logs.All())
	}
}

func TestGetPayloadRequiresSourceMode(t *testing.T) {
	fixture := newRouterFixture(t, remotesites.ModeTarget)

	recorder := fixture.get("/remote/api/get/" + targetSecret)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "not_source_site") {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	fixture := newRouterFixture(t, remotesites.ModeSource)

	recorder := fixture.get("/healthz")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestCORSMiddlewareExposesSignatureHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware())
	router.GET("/remote/api/get/:secret", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodGet, "/remote/api/get/x", http.NoBody)
	request.Header.Set("Origin", "https://target.example.com")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	exposed := recorder.Header().Get("Access-Control-Expose-Headers")
	if !strings.Contains(strings.ToLower(exposed), strings.ToLower(remotesync.SignatureHeader)) {
		t.Fatalf("expected signature header to be exposed, got %q", exposed)
	}
}
