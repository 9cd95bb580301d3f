package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/config"
	"github.com/sumanth-74/law-duel/internal/models"
)

var (
	// ErrNoToken 请求未携带令牌
	ErrNoToken = eris.New("未提供令牌")
	// ErrInvalidToken 令牌无效或已过期
	ErrInvalidToken = eris.New("无效或已过期的令牌")
)

type contextKey struct{}

// Claims 令牌声明，Subject 为玩家ID
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// PlayerID 读取玩家ID
func (c *Claims) PlayerID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Wrapf(ErrInvalidToken, "非法玩家ID: %q", c.Subject)
	}
	return id, nil
}

// PlayerRegistry 玩家注册
type PlayerRegistry interface {
	CreatePlayer(ctx context.Context, username string, rating int) (*models.Player, error)
}

// Authenticator HS256 令牌签发与校验
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewAuthenticator 创建认证器
func NewAuthenticator(cfg config.AuthConfig, clock clockwork.Clock) *Authenticator {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		clock:  clock,
	}
}

// Issue 为玩家签发令牌
func (a *Authenticator) Issue(player models.Player) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(player.ID, 10),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Username: player.Username,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", eris.Wrap(err, "签发令牌失败")
	}
	return token, nil
}

// Verify 校验令牌并返回声明
func (a *Authenticator) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidToken, "%v", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.PlayerID(); err != nil {
		return nil, err
	}
	return claims, nil
}

// Middleware 携带令牌的请求校验后把声明放入上下文，无令牌的请求原样放行
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := a.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "无效或已过期的令牌")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
	})
}

// Identify 识别请求中的玩家，实现 game.Identifier 与 async.Identifier
func (a *Authenticator) Identify(r *http.Request) (int64, error) {
	if claims, ok := ClaimsFrom(r.Context()); ok {
		return claims.PlayerID()
	}
	raw := tokenFromRequest(r)
	if raw == "" {
		return 0, ErrNoToken
	}
	claims, err := a.Verify(raw)
	if err != nil {
		return 0, err
	}
	return claims.PlayerID()
}

// ClaimsFrom 读取上下文中的令牌声明
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok
}

// tokenFromRequest Authorization 头优先，WebSocket 握手使用 token 查询参数
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
		return strings.TrimSpace(h)
	}
	return r.URL.Query().Get("token")
}

// AuthHandler 认证处理器
type AuthHandler struct {
	auth    *Authenticator
	players PlayerRegistry
	logger  zerolog.Logger
}

// RegisterRequest 注册请求
type RegisterRequest struct {
	Username string `json:"username"`
}

// AuthResponse 认证响应
type AuthResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Token    string `json:"token,omitempty"`
	PlayerID int64  `json:"player_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(auth *Authenticator, players PlayerRegistry, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:    auth,
		players: players,
		logger:  logger.With().Str("component", "auth").Logger(),
	}
}

// RegisterHandlers 注册HTTP处理器
func (h *AuthHandler) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/auth/register", h.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/validate", h.handleValidate).Methods(http.MethodGet)
}

// handleRegister 用户名已存在时直接签发该玩家的令牌
func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "无效的请求格式")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || len(username) > 50 {
		writeError(w, http.StatusBadRequest, "validation", "用户名长度必须为1-50")
		return
	}

	player, err := h.players.CreatePlayer(r.Context(), username, models.DefaultRating)
	if err != nil {
		h.logger.Error().Err(err).Str("username", username).Msg("创建玩家失败")
		writeError(w, http.StatusInternalServerError, "internal", "注册失败")
		return
	}
	token, err := h.auth.Issue(*player)
	if err != nil {
		h.logger.Error().Err(err).Int64("player_id", player.ID).Msg("签发令牌失败")
		writeError(w, http.StatusInternalServerError, "internal", "生成令牌失败")
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{
		Success:  true,
		Message:  "注册成功",
		Token:    token,
		PlayerID: player.ID,
		Username: player.Username,
	})
}

// handleValidate 校验令牌
func (h *AuthHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		raw := tokenFromRequest(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "未提供令牌")
			return
		}
		var err error
		if claims, err = h.auth.Verify(raw); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "无效或已过期的令牌")
			return
		}
	}
	playerID, _ := claims.PlayerID()
	writeJSON(w, http.StatusOK, AuthResponse{
		Success:  true,
		Message:  "令牌有效",
		PlayerID: playerID,
		Username: claims.Username,
	})
}
