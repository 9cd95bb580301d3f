// websocket.go

package game

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sumanth-74/law-duel/internal/duel"
	"github.com/sumanth-74/law-duel/internal/protocol"
)

const (
	// 写入超时时间
	writeWait = 10 * time.Second

	// 读取超时时间
	pongWait = 60 * time.Second

	// 发送 ping 的间隔时间
	pingPeriod = (pongWait * 9) / 10

	// 最大消息大小
	maxMessageSize = 16 * 1024

	sendBuffer = 64
)

// wsConn gorilla websocket 连接
type wsConn struct {
	playerID int64
	conn     *websocket.Conn
	send     chan protocol.Envelope
	logger   zerolog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newWSConn(playerID int64, conn *websocket.Conn, logger zerolog.Logger) *wsConn {
	return &wsConn{
		playerID: playerID,
		conn:     conn,
		send:     make(chan protocol.Envelope, sendBuffer),
		logger:   logger,
	}
}

// PlayerID 实现 Conn
func (c *wsConn) PlayerID() int64 {
	return c.playerID
}

// Send 实现 Conn
func (c *wsConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- env:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close 实现 Conn，关闭发送通道后由 writePump 发送关闭帧
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

func (s *GameServer) upgrader() *websocket.Upgrader {
	origins := s.config.Server.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range origins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// RegisterHandlers 注册WebSocket入口
func (s *GameServer) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/ws", s.ServeWS).Methods(http.MethodGet)
}

// ServeWS 处理WebSocket连接
func (s *GameServer) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.identifier == nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	playerID, err := s.identifier.Identify(r)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}
	player, err := s.players.GetPlayer(r.Context(), playerID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("player_id", playerID).Msg("读取玩家资料失败")
		http.Error(w, "玩家不存在", http.StatusNotFound)
		return
	}

	// 升级HTTP连接为WebSocket
	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket升级失败")
		return
	}

	conn := newWSConn(playerID, ws, s.logger.With().Int64("player_id", playerID).Logger())
	go s.writePump(conn)
	s.Connect(conn, *player)
	go s.readPump(conn)
}

// readPump 从WebSocket读取数据
func (s *GameServer) readPump(c *wsConn) {
	defer func() {
		s.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket错误")
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.replyError(c, duel.Validationf("解析消息失败: %v", err))
			continue
		}
		s.HandleMessage(s.baseCtx, c, env)
	}
}

// writePump 向WebSocket写入数据
func (s *GameServer) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 通道已关闭
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleMessage 处理客户端消息，错误只回复给发送方
func (s *GameServer) HandleMessage(ctx context.Context, conn Conn, env protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.TypeJoinQueue:
		err = s.handleJoinQueue(ctx, conn, env)
	case protocol.TypeLeaveQueue:
		err = s.handleLeaveQueue(conn)
	case protocol.TypeSubmitAnswer:
		err = s.handleSubmitAnswer(ctx, conn, env)
	case protocol.TypeRequestHint:
		err = s.handleMatchRef(env, func(matchID string) error {
			return s.RequestHint(ctx, matchID, conn.PlayerID())
		})
	case protocol.TypeResign:
		err = s.handleMatchRef(env, func(matchID string) error {
			return s.Resign(ctx, matchID, conn.PlayerID())
		})
	case protocol.TypeAckResult:
		err = s.handleMatchRef(env, func(matchID string) error {
			sm, ok := s.GetMatch(matchID)
			if !ok {
				return nil
			}
			sm.Ack(conn.PlayerID())
			return nil
		})
	default:
		err = duel.Validationf("未知消息类型: %s", env.Type)
	}
	if err != nil {
		s.replyError(conn, err)
	}
}

// handleJoinQueue 处理加入队列请求
func (s *GameServer) handleJoinQueue(ctx context.Context, conn Conn, env protocol.Envelope) error {
	var req protocol.JoinQueue
	if err := env.Decode(&req); err != nil {
		return err
	}
	if s.matchmaker == nil {
		return duel.Validationf("匹配服务不可用")
	}
	player, err := s.profile(ctx, conn.PlayerID())
	if err != nil {
		return err
	}
	ticket, position, err := s.matchmaker.Join(player, req.Subject)
	if err != nil {
		return err
	}
	return s.reply(conn, protocol.TypeQueueJoined, protocol.QueueJoined{
		TicketID: ticket.ID,
		Subject:  ticket.Subject,
		Position: position,
		JoinedAt: ticket.EnqueuedAt,
	})
}

// handleLeaveQueue 处理离开队列请求
func (s *GameServer) handleLeaveQueue(conn Conn) error {
	removed := false
	if s.matchmaker != nil {
		removed = s.matchmaker.LeavePlayer(conn.PlayerID())
	}
	return s.reply(conn, protocol.TypeQueueLeft, protocol.QueueLeft{Removed: removed})
}

// handleSubmitAnswer 处理作答。回合已揭晓后到达的作答回复迟到回执，不改变回合
func (s *GameServer) handleSubmitAnswer(ctx context.Context, conn Conn, env protocol.Envelope) error {
	var req protocol.SubmitAnswer
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.MatchID == "" || req.ChoiceIndex == nil {
		return duel.Validationf("作答缺少 match_id 或 choice_index")
	}

	receipt, err := s.SubmitAnswer(ctx, req.MatchID, conn.PlayerID(), duel.Submission{
		RoundID:         req.RoundID,
		ChoiceIndex:     *req.ChoiceIndex,
		ClientElapsedMs: req.ClientElapsedMs,
	})
	switch {
	case errors.Is(err, duel.ErrTiming):
		return s.reply(conn, protocol.TypeAnswerAck, protocol.AnswerAck{
			MatchID: req.MatchID,
			RoundID: req.RoundID,
			Late:    true,
		})
	case err != nil:
		return err
	}
	return s.reply(conn, protocol.TypeAnswerAck, protocol.AnswerAck{
		MatchID:   receipt.MatchID,
		RoundID:   receipt.RoundID,
		Late:      receipt.Late,
		ElapsedMs: receipt.ElapsedMs,
	})
}

func (s *GameServer) handleMatchRef(env protocol.Envelope, fn func(matchID string) error) error {
	var req protocol.MatchRef
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.MatchID == "" {
		return duel.Validationf("缺少 match_id")
	}
	return fn(req.MatchID)
}

func (s *GameServer) reply(conn Conn, msgType string, payload interface{}) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(env); err != nil {
		s.logger.Warn().Err(err).Int64("player_id", conn.PlayerID()).Str("type", msgType).Msg("发送消息失败")
	}
	return nil
}

func (s *GameServer) replyError(conn Conn, err error) {
	code := duel.Kind(err)
	if code == duel.CodeInternal {
		s.logger.Error().Err(err).Int64("player_id", conn.PlayerID()).Msg("处理消息失败")
	}
	env, encErr := protocol.NewEnvelope(protocol.TypeError, protocol.Error{Code: code, Message: err.Error()})
	if encErr != nil {
		return
	}
	conn.Send(env)
}
