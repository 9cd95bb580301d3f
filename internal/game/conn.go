package game

import (
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sumanth-74/law-duel/internal/protocol"
)

// ErrConnClosed 连接已关闭
var ErrConnClosed = eris.New("连接已关闭")

// ErrSendBufferFull 发送缓冲区已满
var ErrSendBufferFull = eris.New("发送缓冲区已满")

// Conn 玩家双向通道，对局逻辑不依赖具体传输
type Conn interface {
	PlayerID() int64
	// Send 非阻塞发送，缓冲区满时返回错误
	Send(env protocol.Envelope) error
	Close()
}

// MemoryConn 内存通道，测试与本地调试用
type MemoryConn struct {
	playerID int64
	Out      chan protocol.Envelope

	mu     sync.Mutex
	closed bool
}

// NewMemoryConn 创建内存通道
func NewMemoryConn(playerID int64, buffer int) *MemoryConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryConn{
		playerID: playerID,
		Out:      make(chan protocol.Envelope, buffer),
	}
}

// PlayerID 实现 Conn
func (c *MemoryConn) PlayerID() int64 {
	return c.playerID
}

// Send 实现 Conn
func (c *MemoryConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.Out <- env:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close 实现 Conn
func (c *MemoryConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Closed 是否已关闭
func (c *MemoryConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
