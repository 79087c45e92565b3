package api

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/api/handler"
	"github.com/qs3c/archmind/internal/api/middleware"
	"github.com/qs3c/archmind/internal/pkg/metrics"
	"github.com/qs3c/archmind/internal/service"
)

type Router struct {
	analysisHandler  *handler.AnalysisHandler
	historyHandler   *handler.HistoryHandler
	chatHandler      *handler.ChatHandler
	websocketHandler *handler.WebSocketHandler
	quotaService     *service.QuotaService
	cfg              *config.Config
}

func NewRouter(
	analysisHandler *handler.AnalysisHandler,
	historyHandler *handler.HistoryHandler,
	chatHandler *handler.ChatHandler,
	websocketHandler *handler.WebSocketHandler,
	quotaService *service.QuotaService,
	cfg *config.Config,
) *Router {
	return &Router{
		analysisHandler:  analysisHandler,
		historyHandler:   historyHandler,
		chatHandler:      chatHandler,
		websocketHandler: websocketHandler,
		quotaService:     quotaService,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := engine.Group("/api/v1")
	{
		// 公开接口，可选登录，未登录时按匿名会话计数
		public := api.Group("")
		public.Use(middleware.OptionalAuth(r.cfg.JWT.Secret))
		public.Use(middleware.Session(r.cfg.Quota.SessionCookie))
		{
			public.POST("/analyze", middleware.QuotaCheck(r.quotaService), r.analysisHandler.Analyze)
			public.GET("/status", r.analysisHandler.Status)
			public.GET("/check-limit", r.analysisHandler.CheckLimit)
			public.POST("/chat", r.chatHandler.Ask)
			public.GET("/ws", r.websocketHandler.Handle)
		}

		// 历史记录需要登录
		history := api.Group("/history")
		history.Use(middleware.Auth(r.cfg.JWT.Secret))
		{
			history.GET("", r.historyHandler.List)
			history.GET("/:id", r.historyHandler.Get)
			history.GET("/:id/document", r.historyHandler.Document)
			history.DELETE("", r.historyHandler.DeleteAll)
		}
	}

	return engine
}
