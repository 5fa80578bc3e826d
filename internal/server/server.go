package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/streampay/internal/audit"
	auditdomain "github.com/smallbiznis/streampay/internal/audit/domain"
	"github.com/smallbiznis/streampay/internal/chain"
	"github.com/smallbiznis/streampay/internal/chunk"
	chunkdomain "github.com/smallbiznis/streampay/internal/chunk/domain"
	"github.com/smallbiznis/streampay/internal/config"
	"github.com/smallbiznis/streampay/internal/ledger"
	ledgerdomain "github.com/smallbiznis/streampay/internal/ledger/domain"
	"github.com/smallbiznis/streampay/internal/observability"
	obsmiddleware "github.com/smallbiznis/streampay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/streampay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/streampay/internal/observability/tracing"
	"github.com/smallbiznis/streampay/internal/proof"
	proofdomain "github.com/smallbiznis/streampay/internal/proof/domain"
	"github.com/smallbiznis/streampay/internal/ratelimit"
	"github.com/smallbiznis/streampay/internal/session"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	"github.com/smallbiznis/streampay/internal/settlement"
	settlementdomain "github.com/smallbiznis/streampay/internal/settlement/domain"
	"github.com/smallbiznis/streampay/internal/video"
	videodomain "github.com/smallbiznis/streampay/internal/video/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Domains wires every service the HTTP layer and the scheduler share.
var Domains = fx.Options(
	audit.Module,
	video.Module,
	session.Module,
	chunk.Module,
	proof.Module,
	ledger.Module,
	chain.Module,
	ratelimit.Module,
	settlement.Module,
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	policy        *config.PolicyHolder
	verifier      proofdomain.Verifier
	sessionSvc    sessiondomain.Service
	videoSvc      videodomain.Service
	chunkSvc      chunkdomain.Service
	settlementSvc settlementdomain.Service
	ledgerSvc     ledgerdomain.Service
	auditSvc      auditdomain.Service
	limiter       *ratelimit.Limiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Policy        *config.PolicyHolder `optional:"true"`
	Verifier      proofdomain.Verifier
	SessionSvc    sessiondomain.Service
	VideoSvc      videodomain.Service
	ChunkSvc      chunkdomain.Service
	SettlementSvc settlementdomain.Service
	LedgerSvc     ledgerdomain.Service
	AuditSvc      auditdomain.Service `optional:"true"`
	Limiter       *ratelimit.Limiter  `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		policy:        p.Policy,
		verifier:      p.Verifier,
		sessionSvc:    p.SessionSvc,
		videoSvc:      p.VideoSvc,
		chunkSvc:      p.ChunkSvc,
		settlementSvc: p.SettlementSvc,
		ledgerSvc:     p.LedgerSvc,
		auditSvc:      p.AuditSvc,
		limiter:       p.Limiter,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	s.RegisterProtocolRoutes()
	s.RegisterSessionRoutes()
	s.RegisterCatalogRoutes()
	s.RegisterAccountingRoutes()
	s.RegisterAdminRoutes()
	s.registerFallback()
}

// RegisterProtocolRoutes mounts the endpoints video players call while streaming.
func (s *Server) RegisterProtocolRoutes() {
	r := s.engine

	r.POST("/chunk-track", s.ChunkTrackRateLimit(), s.TrackChunk)
	r.GET("/unsettled/:videoId", s.GetUnsettled)
	r.GET("/settlement-preview/:sessionRef", s.GetSettlementPreview)
	r.POST("/settle", s.SettleRateLimit(), s.Settle)
	r.GET("/settlement/:transactionSignature", s.GetSettlementBySignature)
}

func (s *Server) RegisterSessionRoutes() {
	sessions := s.engine.Group("/sessions")

	sessions.POST("", s.CreateSession)
	sessions.GET("/:sessionRef", s.GetSession)
	sessions.DELETE("/:sessionRef", s.RevokeSession)
	sessions.GET("/:sessionRef/settlements", s.ListSessionSettlements)
	sessions.GET("/:sessionRef/chunks", s.ListSessionChunks)
}

func (s *Server) RegisterCatalogRoutes() {
	videos := s.engine.Group("/videos")

	videos.GET("/:videoId", s.GetVideo)
	videos.PUT("/:videoId", s.AdminRequired(), s.UpsertVideo)
}

func (s *Server) RegisterAccountingRoutes() {
	r := s.engine

	r.GET("/creators/:creatorId/earnings", s.GetCreatorEarnings)
	r.GET("/viewers/:viewerPubkey/spend", s.GetViewerSpend)
	r.GET("/platform/revenue", s.AdminRequired(), s.GetPlatformRevenue)
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminRequired())

	admin.GET("/audit-logs", s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
