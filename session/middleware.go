package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/mediacore/clog"
)

// ContextKey gin.Context 中保存会话的键
const ContextKey = "session"

type ctxKey struct{}

type bound struct {
	session *Session
	token   string
}

// NewContext 把已校验的会话与其令牌放入 ctx，下游可凭令牌取提供方凭证
func NewContext(ctx context.Context, s *Session, token string) context.Context {
	return context.WithValue(ctx, ctxKey{}, bound{session: s, token: token})
}

// FromContext 取出 NewContext 放入的会话与令牌
func FromContext(ctx context.Context) (*Session, string, bool) {
	b, ok := ctx.Value(ctxKey{}).(bound)
	if !ok {
		return nil, "", false
	}
	return b.session, b.token, true
}

// GinMiddleware 返回 Gin 会话中间件：提取令牌、校验会话，并把会话放入请求上下文。
// 认证失败一律返回通用消息，不区分令牌伪造与会话不存在。
func (m *Manager) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := extractToken(c.Request, m.cfg.TokenLookup, m.cfg.TokenHeadName)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		s, err := m.Validate(c.Request.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, ErrSessionExpired):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		case errors.Is(err, ErrSessionNotFound):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		default:
			m.logger.ErrorContext(c.Request.Context(), "session validation failed", clog.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "try again shortly"})
			return
		}

		c.Set(ContextKey, s)
		c.Request = c.Request.WithContext(NewContext(c.Request.Context(), s, token))
		c.Next()
	}
}

// GetSession 从 Gin Context 获取会话
func GetSession(c *gin.Context) (*Session, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Session)
	return s, ok
}
