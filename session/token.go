package session

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ceyewan/mediacore/xerrors"
)

// claims 会话令牌载荷：sub 为用户 ID，sid 为会话 ID，exp 为会话绝对过期时间
type claims struct {
	jwt.RegisteredClaims

	SessionID string `json:"sid"`
}

// signer 签发与校验 HS256 会话令牌。令牌对客户端不透明，
// 在任何缓存查找之前先校验签名与过期时间。
type signer struct {
	key    []byte
	issuer string
	parser *jwt.Parser
}

func newSigner(cfg *Config, now func() time.Time) *signer {
	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		popts = append(popts, jwt.WithIssuer(cfg.Issuer))
	}
	return &signer{key: []byte(cfg.Secret), issuer: cfg.Issuer, parser: jwt.NewParser(popts...)}
}

// sign 签发令牌，exp 始终是会话的绝对过期时间
func (s *signer) sign(sess *Session, issuedAt time.Time) (string, error) {
	c := &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
		SessionID: sess.ID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return "", xerrors.Wrap(err, "failed to sign session token")
	}
	return token, nil
}

// parse 校验令牌。过期返回 ErrSessionExpired，其余任何问题一律 ErrSessionNotFound。
func (s *signer) parse(token string) (*claims, error) {
	c := &claims{}
	_, err := s.parser.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, ErrSessionNotFound
	}
	if c.Subject == "" || c.SessionID == "" {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// extractToken 按 TokenLookup 从请求中提取令牌
func extractToken(r *http.Request, lookup, headName string) (string, error) {
	if lookup != "" {
		source, key, _ := strings.Cut(lookup, ":")
		return extractFrom(r, source, key, headName)
	}
	for _, src := range [][2]string{{"header", "Authorization"}, {"query", "token"}, {"cookie", "session"}} {
		if token, err := extractFrom(r, src[0], src[1], headName); err == nil {
			return token, nil
		}
	}
	return "", ErrMissingToken
}

func extractFrom(r *http.Request, source, key, headName string) (string, error) {
	switch source {
	case "header":
		h := r.Header.Get(key)
		if h == "" {
			return "", ErrMissingToken
		}
		head, token, ok := strings.Cut(h, " ")
		if !ok || head != headName || token == "" {
			return "", ErrMissingToken
		}
		return token, nil
	case "query":
		if token := r.URL.Query().Get(key); token != "" {
			return token, nil
		}
	case "cookie":
		if c, err := r.Cookie(key); err == nil && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", ErrMissingToken
}
