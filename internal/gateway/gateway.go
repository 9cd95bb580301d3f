package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/config"
)

// Routes 可注册到网关的处理器
type Routes interface {
	RegisterHandlers(r *mux.Router)
}

// Gateway HTTP入口：认证、WebSocket、匹配状态与异步对局接口
type Gateway struct {
	config     *config.Config
	auth       *Authenticator
	limiter    *RateLimiter
	clock      clockwork.Clock
	logger     zerolog.Logger
	routes     []Routes
	handler    http.Handler
	httpServer *http.Server

	mutex     sync.Mutex
	isRunning bool
}

// NewGateway 创建新的网关
func NewGateway(cfg *config.Config, auth *Authenticator, clock clockwork.Clock, logger zerolog.Logger, routes ...Routes) *Gateway {
	g := &Gateway{
		config:  cfg,
		auth:    auth,
		limiter: NewRateLimiter(cfg.Server.RequestsPerMinute, clock),
		clock:   clock,
		logger:  logger.With().Str("component", "gateway").Logger(),
		routes:  routes,
	}
	g.handler = g.createHandler()
	return g
}

// Handler 完整的中间件链与路由
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Start 启动网关
func (g *Gateway) Start() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.isRunning {
		return eris.New("网关已经在运行")
	}

	g.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", g.config.Server.Port),
		Handler:      g.handler,
		ReadTimeout:  g.config.Server.ReadTimeout,
		WriteTimeout: g.config.Server.WriteTimeout,
	}
	g.limiter.Start()

	srv := g.httpServer
	go func() {
		g.logger.Info().Int("port", g.config.Server.Port).Msg("HTTP服务启动")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error().Err(err).Msg("HTTP服务器错误")
		}
	}()

	g.isRunning = true
	return nil
}

// Stop 停止网关，等待进行中的请求结束
func (g *Gateway) Stop(ctx context.Context) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if !g.isRunning {
		return nil
	}

	g.limiter.Stop()
	g.isRunning = false
	if err := g.httpServer.Shutdown(ctx); err != nil {
		return eris.Wrap(err, "关闭HTTP服务失败")
	}
	g.logger.Info().Msg("HTTP服务已停止")
	return nil
}

// createHandler 创建HTTP处理器
func (g *Gateway) createHandler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": "ok"})
	}).Methods(http.MethodGet)

	for _, routes := range g.routes {
		routes.RegisterHandlers(r)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "接口不存在")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "不支持的请求方法")
	})

	return g.applyMiddleware(r)
}

// applyMiddleware 按顺序应用中间件（从外到内）
func (g *Gateway) applyMiddleware(handler http.Handler) http.Handler {
	cors := NewCORSMiddleware(g.config.Server.AllowedOrigins)

	handler = g.auth.Middleware(handler)
	handler = g.limiter.Middleware(handler)
	handler = cors.Middleware(handler)
	handler = SecurityMiddleware(handler)
	handler = LoggingMiddleware(g.logger, g.clock)(handler)
	return handler
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
