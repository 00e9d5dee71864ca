package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"helpnow/server/internal/capture"
	"helpnow/server/internal/config"
	"helpnow/server/internal/guide"
	"helpnow/server/internal/guideclient"
	"helpnow/server/internal/logging"
	"helpnow/server/internal/model"
	"helpnow/server/internal/orchestrator"
	"helpnow/server/internal/scenario"
	"helpnow/server/internal/session"
	"helpnow/server/internal/theme"
	"helpnow/server/internal/timeline"
)

// GuideGenerator 把用户描述换成急救场景（通常是 *guide.Service）。
type GuideGenerator interface {
	GenerateWithSource(ctx context.Context, query string) (model.EmergencyScenario, guide.Source, error)
}

// Deps 是 HTTP 层的依赖。
type Deps struct {
	Guide   GuideGenerator
	Catalog *scenario.Catalog
	// GuideClient 是会话编排器查询指引用的客户端，默认通过 HTTP 回调本服务。
	GuideClient orchestrator.GuideClient
	Theme       *theme.Service
	Sessions    session.Store
	Timeline    timeline.Store
	Logger      zerolog.Logger
}

type Server struct {
	config      *config.Config
	guide       GuideGenerator
	catalog     *scenario.Catalog
	guideClient orchestrator.GuideClient
	theme       *theme.Service
	store       session.Store
	timeline    timeline.Store
	logger      zerolog.Logger
	// root 用于派生会话内各组件的 logger
	root zerolog.Logger

	// runtimes 管理所有活跃会话 (sessionID -> runtime)
	runtimes   map[string]*runtime
	runtimesMu sync.RWMutex

	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Guide == nil || deps.Catalog == nil || deps.GuideClient == nil || deps.Theme == nil {
		return nil, errors.New("api: guide, catalog, guide client and theme are required")
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewInMemoryStore()
	}
	if deps.Timeline == nil {
		deps.Timeline = timeline.NewInMemoryStore()
	}

	s := &Server{
		config:      cfg,
		guide:       deps.Guide,
		catalog:     deps.Catalog,
		guideClient: deps.GuideClient,
		theme:       deps.Theme,
		store:       deps.Sessions,
		timeline:    deps.Timeline,
		logger:      logging.Component(deps.Logger, "api"),
		root:        deps.Logger,
		runtimes:    make(map[string]*runtime),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s, nil
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)

	api := engine.Group("/api")
	api.POST("/guide", s.handleGuide)
	api.GET("/scenarios", s.handleScenarios)
	api.GET("/scenarios/random", s.handleRandomScenario)
	api.GET("/scenarios/:id", s.handleScenario)

	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions/:id", s.handleGetSession)
	api.DELETE("/sessions/:id", s.handleDeleteSession)
	api.POST("/sessions/:id/actions", s.handleSessionAction)
	api.GET("/sessions/:id/timeline", s.handleSessionTimeline)
	api.GET("/sessions/:id/stream", s.handleSessionStream)

	api.GET("/theme", s.handleGetTheme)
	api.PUT("/theme", s.handlePutTheme)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.sessionCount()})
}

// handleGuide 根据描述生成急救场景。
func (s *Server) handleGuide(c *gin.Context) {
	var req model.GuideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := c.Request.Context()
	if timeout := s.config.Guide.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sc, source, err := s.guide.GenerateWithSource(ctx, req.Query)
	if err != nil {
		if errors.Is(err, guide.ErrEmptyQuery) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error().Err(err).Msg("generate guidance")
		c.JSON(http.StatusBadGateway, gin.H{"error": guideclient.GenericMessage})
		return
	}

	c.Header("X-Guide-Source", string(source))
	c.JSON(http.StatusOK, sc)
}

func (s *Server) handleScenarios(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog.All())
}

func (s *Server) handleRandomScenario(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog.PickRandom())
}

func (s *Server) handleScenario(c *gin.Context) {
	sc, err := s.catalog.Find(c.Param("id"))
	if err != nil {
		if errors.Is(err, scenario.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "scenario not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load scenario failed"})
		return
	}
	c.JSON(http.StatusOK, sc)
}

// handleCreateSession 创建一个新的急救引导会话。
func (s *Server) handleCreateSession(c *gin.Context) {
	rt, err := s.createSession()
	if err != nil {
		s.logger.Error().Err(err).Msg("create session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create session failed"})
		return
	}
	c.JSON(http.StatusOK, model.CreateSessionResponse{
		SessionID: rt.id,
		State:     rt.orchestrator.Snapshot(),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	rt, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rt.orchestrator.Snapshot())
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if !s.closeSession(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type actionRequest struct {
	Action string `json:"action"`
}

// handleSessionAction 执行一个用户操作，返回处理后的状态。
func (s *Server) handleSessionAction(c *gin.Context) {
	rt, ok := s.lookup(c)
	if !ok {
		return
	}

	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	action, err := orchestrator.ParseAction(req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action: " + req.Action})
		return
	}

	state, err := rt.orchestrator.Dispatch(action)
	if err != nil {
		var capErr *capture.Error
		switch {
		case errors.As(err, &capErr) && errors.Is(err, capture.ErrCapabilityUnavailable):
			c.JSON(http.StatusConflict, gin.H{"error": capErr.Message, "state": state})
		case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrQueueClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session busy, please try again"})
		case errors.Is(err, orchestrator.ErrTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "action timed out"})
		default:
			// 其余错误已经反映在状态里（例如 last_error）
			s.logger.Warn().Err(err).Str("session_id", rt.id).Str("action", string(action)).Msg("action reported error")
			c.JSON(http.StatusOK, state)
		}
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleSessionTimeline(c *gin.Context) {
	rt, ok := s.lookup(c)
	if !ok {
		return
	}
	events, err := s.timeline.List(c.Request.Context(), rt.id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load timeline failed"})
		return
	}
	c.JSON(http.StatusOK, events)
}

// handleSessionStream 把浏览器连接挂到会话网关上，阻塞直到连接断开。
func (s *Server) handleSessionStream(c *gin.Context) {
	rt, ok := s.lookup(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", rt.id).Msg("upgrade websocket")
		return
	}
	rt.bridge.Attach(conn)
}

func (s *Server) handleGetTheme(c *gin.Context) {
	c.JSON(http.StatusOK, s.theme.Get())
}

type themeRequest struct {
	Mode model.ThemeMode `json:"mode"`
}

func (s *Server) handlePutTheme(c *gin.Context) {
	var req themeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	pref, err := s.theme.Set(req.Mode)
	if err != nil {
		if errors.Is(err, theme.ErrInvalidMode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error().Err(err).Msg("save theme")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save theme failed"})
		return
	}
	c.JSON(http.StatusOK, pref)
}

// Shutdown 关闭所有会话。
func (s *Server) Shutdown(ctx context.Context) {
	s.runtimesMu.Lock()
	ids := make([]string, 0, len(s.runtimes))
	for id := range s.runtimes {
		ids = append(ids, id)
	}
	s.runtimesMu.Unlock()

	for _, id := range ids {
		s.closeSession(ctx, id)
	}
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(c.Request) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger 用 zerolog 记录每个请求。
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := s.logger.Info()
		if status >= http.StatusInternalServerError {
			evt = s.logger.Error()
		} else if status >= http.StatusBadRequest {
			evt = s.logger.Warn()
		}
		evt.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
