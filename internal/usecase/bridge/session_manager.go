package bridge

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"gauge-cycler/internal/usecase"
)

// Session 代表一个已登入的桥接连接
type Session struct {
	Addr           string
	Username       string
	Conn           usecase.Conn
	LastActiveTime time.Time // 最后活跃时间
	LoginTime      time.Time // 登入时间
}

// SessionManager 管理桥接会话 (远端地址 -> Session)
type SessionManager struct {
	sessions sync.Map
	logger   *zap.Logger
	now      func() time.Time
}

func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		logger: logger,
		now:    time.Now,
	}
}

// Add 为连接创建或更新会话
func (sm *SessionManager) Add(username string, conn usecase.Conn) {
	now := sm.now()
	session := &Session{
		Addr:           conn.RemoteAddr(),
		Username:       username,
		Conn:           conn,
		LastActiveTime: now,
		LoginTime:      now,
	}
	sm.sessions.Store(session.Addr, session)
	sm.logger.Info("[SessionManager] Session Added", zap.String("username", username), zap.String("remote_addr", session.Addr))
}

// Remove 删除会话并关闭连接
func (sm *SessionManager) Remove(addr string) {
	if val, ok := sm.sessions.LoadAndDelete(addr); ok {
		sess := val.(*Session)
		sm.logger.Info("[SessionManager] Session Removed", zap.String("username", sess.Username), zap.String("remote_addr", addr))
		_ = sess.Conn.Close()
	}
}

// Forget 删除会话但不关闭连接 (连接已由对端关闭)
func (sm *SessionManager) Forget(addr string) {
	sm.sessions.Delete(addr)
}

func (sm *SessionManager) Get(addr string) (*Session, bool) {
	val, ok := sm.sessions.Load(addr)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// UpdateLastActive 更新会话的心跳时间
func (sm *SessionManager) UpdateLastActive(addr string) {
	if val, ok := sm.sessions.Load(addr); ok {
		sess := val.(*Session)
		sess.LastActiveTime = sm.now()
	}
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	n := 0
	sm.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// CheckHeartbeat 检查过期的会话并关闭它们
func (sm *SessionManager) CheckHeartbeat(timeout time.Duration) {
	now := sm.now()
	sm.sessions.Range(func(key, value interface{}) bool {
		sess := value.(*Session)
		if now.Sub(sess.LastActiveTime) > timeout {
			sm.logger.Info("[SessionManager] Session Timeout", zap.String("remote_addr", sess.Addr), zap.Duration("inactive_duration", now.Sub(sess.LastActiveTime)))
			sm.Remove(sess.Addr)
		}
		return true
	})
}
