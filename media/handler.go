package media

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/provider"
	"github.com/ceyewan/mediacore/session"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RegisterRoutes 注册 HTTP 接口。/stream、/refresh 与 /logout 需要会话。
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/login", s.handleLogin)
	r.GET("/anime/:id", s.handleAnime)
	r.GET("/anime/:id/episodes/:n", s.handleEpisode)
	r.GET("/search", s.handleSearch)

	authed := r.Group("/", s.sessions.GinMiddleware())
	authed.GET("/stream/:id", s.handleStream)
	authed.POST("/refresh", s.handleRefresh)
	authed.POST("/logout", s.handleLogout)
}

func (s *Service) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	issued, err := s.sessions.Login(c.Request.Context(), provider.Credentials{Username: req.Username, Password: req.Password})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": issued.Token, "expires_at": issued.Session.ExpiresAt})
}

// handleRefresh 刷新提供方凭证并返回新令牌，会话的绝对过期时间不变
func (s *Service) handleRefresh(c *gin.Context) {
	_, token, _ := session.FromContext(c.Request.Context())
	issued, err := s.sessions.Renew(c.Request.Context(), token)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": issued.Token, "expires_at": issued.Session.ExpiresAt})
}

func (s *Service) handleLogout(c *gin.Context) {
	_, token, _ := session.FromContext(c.Request.Context())
	if err := s.sessions.Logout(c.Request.Context(), token); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Service) handleStream(c *gin.Context) {
	_, token, _ := session.FromContext(c.Request.Context())
	st, err := s.ResolveStream(c.Request.Context(), token, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": st.URL, "expires_at": st.ExpiresAt})
}

func (s *Service) handleAnime(c *gin.Context) {
	item, err := s.Metadata(c.Request.Context(), "anime", c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Service) handleEpisode(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "episode number must be an integer"})
		return
	}
	item, err := s.Episode(c.Request.Context(), c.Param("id"), n)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Service) handleSearch(c *gin.Context) {
	items, err := s.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// writeError 面向用户的错误响应：认证失败统一为通用消息，依赖不可用为"稍后重试"
func (s *Service) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, session.ErrSessionExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, ErrTryAgain), errors.Is(err, session.ErrProviderUnavailable):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again shortly"})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.ErrorContext(c.Request.Context(), "request failed", clog.String("path", c.FullPath()), clog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
