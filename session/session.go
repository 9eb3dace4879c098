// Package session 把提供方凭证转换为内部会话。
//
// 会话生命周期：Created -> Active -> (Refreshed -> Active)* -> Expired | Invalidated。
//
//   - Login 经由调用器在 provider-auth 上认证，提供方凭证写入 user 作用域的
//     session 缓存条目，会话只保存它的引用，返回 HS256 会话令牌
//   - Validate 校验令牌与会话，成功时只刷新最后访问时间，绝对过期时间不变
//   - Credential 在使用时检查提供方凭证，临近过期则刷新（惰性、幂等）
//   - Logout 删除会话与凭证条目，之后的 Validate 返回 ErrSessionNotFound
//   - Renew 刷新提供方凭证并签发新令牌，绝对过期时间不变
//
// 多实例部署时会话与凭证条目可能被其他实例覆盖。判定闲置或需要刷新之前，
// 先以共享层为准重读一次，不依据本地旧副本做出过期或刷新决定。
//
// 每个会话有独立的记录和锁，不同会话之间互不阻塞。刷新在会话锁内完成
// 并同步覆盖凭证键，之后的 Validate/Credential 一定能看到新凭证。
// 已签发的播放地址不受刷新影响。
//
// 基本使用：
//
//	mgr, _ := session.New(&cfg, p, invoker, cacheManager, session.WithLogger(logger))
//	mgr.Start(ctx) // 启动过期会话清理
//	defer mgr.Close()
//
//	issued, err := mgr.Login(ctx, provider.Credentials{Username: "alice", Password: "..."})
//	sess, err := mgr.Validate(ctx, issued.Token)
//	cred, err := mgr.Credential(ctx, issued.Token)
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/mediacore/cache"
	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/metrics"
	"github.com/ceyewan/mediacore/provider"
	"github.com/ceyewan/mediacore/resilient"
	"github.com/ceyewan/mediacore/retry"
	"github.com/ceyewan/mediacore/xerrors"
)

// Session 内部会话。CredentialRef 指向 user 作用域的凭证缓存条目，
// 原始凭证从不出现在会话里。
type Session struct {
	ID            string    `json:"id" msgpack:"id"`
	UserID        string    `json:"user_id" msgpack:"user_id"`
	CredentialRef string    `json:"credential_ref" msgpack:"credential_ref"`
	RefreshRef    string    `json:"refresh_ref" msgpack:"refresh_ref"`
	CreatedAt     time.Time `json:"created_at" msgpack:"created_at"`
	ExpiresAt     time.Time `json:"expires_at" msgpack:"expires_at"`
	LastAccess    time.Time `json:"last_access" msgpack:"last_access"`
}

// Issued 登录结果
type Issued struct {
	Token   string
	Session Session
}

// storedCredential 凭证缓存条目，RefreshRef 与会话中的引用对应
type storedCredential struct {
	Credential provider.Credential `json:"credential" msgpack:"credential"`
	RefreshRef string              `json:"refresh_ref" msgpack:"refresh_ref"`
}

type state int

const (
	stateActive state = iota
	stateExpired
	stateRevoked
)

// record 本实例持有的会话记录。登出或过期后保留为墓碑直到绝对过期，
// 由 Sweep 删除。
type record struct {
	mu         sync.Mutex
	userID     string
	expiresAt  time.Time
	lastAccess time.Time
	state      state
}

// 会话事件，session_events_total 的 event 标签
const (
	EventLogin            = "login"
	EventLoginRejected    = "login_rejected"
	EventLoginUnavailable = "login_unavailable"
	EventValidate         = "validate"
	EventRefresh          = "refresh"
	EventExpired          = "expired"
	EventLogout           = "logout"
	EventGC               = "gc"
)

// Manager 会话管理器，并发安全
type Manager struct {
	cfg      *Config
	provider provider.Provider
	invoker  *resilient.Invoker
	cache    *cache.Manager
	tokens   *signer
	logger   clog.Logger
	now      func() time.Time
	events   metrics.Counter

	records sync.Map // session id -> *record

	mu   sync.Mutex
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New 创建会话管理器。cache 必须配置 session 键类别。
func New(cfg *Config, p provider.Provider, inv *resilient.Invoker, c *cache.Manager, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if p == nil || inv == nil || c == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "provider, invoker and cache are required")
	}
	if _, ok := c.Policy(cache.ClassSession); !ok {
		return nil, xerrors.Wrapf(ErrInvalidConfig, "cache class %q is not configured", cache.ClassSession)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	events, err := o.meter.Counter(metrics.MetricSessionEvents, "session lifecycle events")
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:      cfg,
		provider: p,
		invoker:  inv,
		cache:    c,
		tokens:   newSigner(cfg, o.now),
		logger:   o.logger,
		now:      o.now,
		events:   events,
	}, nil
}

// Login 向提供方认证并创建会话
func (m *Manager) Login(ctx context.Context, creds provider.Credentials) (*Issued, error) {
	grant, err := resilient.Do(ctx, m.invoker, provider.DependencyAuth, m.cfg.AuthTimeout,
		func(ctx context.Context) (provider.Grant, error) {
			return m.provider.Authenticate(ctx, creds)
		})
	if err != nil {
		return nil, m.loginFailed(ctx, creds, err)
	}

	now := m.now()
	sid := uuid.NewString()
	s := &Session{
		ID:            sid,
		UserID:        grant.UserID,
		CredentialRef: credKey(grant.UserID, sid).Name,
		RefreshRef:    uuid.NewString(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.AbsoluteExpiry),
		LastAccess:    now,
	}

	stored := storedCredential{Credential: grant.Credential, RefreshRef: s.RefreshRef}
	if err := m.cache.Set(ctx, credKey(s.UserID, sid), stored, cache.WithTTL(m.cfg.AbsoluteExpiry)); err != nil {
		return nil, xerrors.Wrap(err, "store provider credential")
	}
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	token, err := m.tokens.sign(s, now)
	if err != nil {
		return nil, err
	}

	m.records.Store(sid, &record{userID: s.UserID, expiresAt: s.ExpiresAt, lastAccess: now})
	m.event(ctx, EventLogin)
	m.logger.InfoContext(ctx, "session created",
		clog.String("session_id", sid),
		clog.String("user_id", s.UserID),
		clog.Time("expires_at", s.ExpiresAt))
	return &Issued{Token: token, Session: *s}, nil
}

func (m *Manager) loginFailed(ctx context.Context, creds provider.Credentials, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if resilient.ClassOf(err) == retry.Permanent {
		m.event(ctx, EventLoginRejected)
		m.logger.InfoContext(ctx, "login rejected", clog.String("username", creds.Username))
		return ErrInvalidCredentials
	}
	m.event(ctx, EventLoginUnavailable)
	m.logger.WarnContext(ctx, "login failed, provider unavailable",
		clog.Bool("circuit_open", resilient.IsCircuitOpen(err)), clog.Error(err))
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}

// Validate 校验会话令牌，成功时刷新最后访问时间
func (m *Manager) Validate(ctx context.Context, token string) (*Session, error) {
	rec, s, err := m.acquire(ctx, token)
	if err != nil {
		return nil, err
	}
	rec.mu.Unlock()
	m.event(ctx, EventValidate)
	return s, nil
}

// Credential 返回会话对应的提供方凭证。凭证已过期或距过期不足 RefreshSkew 时
// 先刷新；并发调用在会话锁上排队，只有第一个会真正刷新。
func (m *Manager) Credential(ctx context.Context, token string) (provider.Credential, error) {
	rec, s, err := m.acquire(ctx, token)
	if err != nil {
		return provider.Credential{}, err
	}
	defer rec.mu.Unlock()

	stored, err := m.loadCredential(ctx, rec, s)
	if err != nil {
		return provider.Credential{}, err
	}
	if m.usable(stored) {
		return stored.Credential, nil
	}
	// 其他实例可能已经刷新
	if stored, err = m.loadCredential(ctx, rec, s, cache.SkipLocal()); err != nil {
		return provider.Credential{}, err
	}
	if m.usable(stored) {
		return stored.Credential, nil
	}
	stored, err = m.refreshLocked(ctx, rec, s, stored)
	if err != nil {
		return provider.Credential{}, err
	}
	return stored.Credential, nil
}

// Refresh 立即刷新提供方凭证
func (m *Manager) Refresh(ctx context.Context, token string) (*Session, error) {
	rec, s, err := m.acquire(ctx, token)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()

	stored, err := m.loadCredential(ctx, rec, s, cache.SkipLocal())
	if err != nil {
		return nil, err
	}
	if _, err := m.refreshLocked(ctx, rec, s, stored); err != nil {
		return nil, err
	}
	return s, nil
}

// Renew 刷新提供方凭证并签发新的会话令牌。新令牌指向同一会话，
// 绝对过期时间不变，旧令牌在过期前仍然有效。
func (m *Manager) Renew(ctx context.Context, token string) (*Issued, error) {
	s, err := m.Refresh(ctx, token)
	if err != nil {
		return nil, err
	}
	renewed, err := m.tokens.sign(s, m.now())
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "session token renewed",
		clog.String("session_id", s.ID), clog.Time("expires_at", s.ExpiresAt))
	return &Issued{Token: renewed, Session: *s}, nil
}

// Logout 注销会话并删除其凭证条目。重复注销不报错。
func (m *Manager) Logout(ctx context.Context, token string) error {
	c, err := m.tokens.parse(token)
	if err != nil {
		return err
	}
	rec := m.recordFor(c)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state == stateRevoked {
		return nil
	}
	rec.state = stateRevoked
	m.removeEntries(ctx, c.Subject, c.SessionID)
	m.event(ctx, EventLogout)
	m.logger.InfoContext(ctx, "session invalidated",
		clog.String("session_id", c.SessionID), clog.String("user_id", c.Subject))
	return nil
}

// acquire 校验令牌并加载会话，成功返回时持有 rec.mu
func (m *Manager) acquire(ctx context.Context, token string) (*record, *Session, error) {
	c, err := m.tokens.parse(token)
	if err != nil {
		return nil, nil, err
	}
	rec := m.recordFor(c)
	rec.mu.Lock()

	s, err := m.loadLocked(ctx, rec, c)
	if err != nil {
		rec.mu.Unlock()
		return nil, nil, err
	}
	return rec, s, nil
}

func (m *Manager) loadLocked(ctx context.Context, rec *record, c *claims) (*Session, error) {
	switch rec.state {
	case stateRevoked:
		return nil, ErrSessionNotFound
	case stateExpired:
		return nil, ErrSessionExpired
	}

	s, err := m.loadSession(ctx, c)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if now.Before(s.ExpiresAt) && m.idle(now, s.LastAccess) {
		// 最后访问时间可能已被其他实例推进
		if s, err = m.loadSession(ctx, c, cache.SkipLocal()); err != nil {
			return nil, err
		}
	}
	if !now.Before(s.ExpiresAt) || m.idle(now, s.LastAccess) {
		m.expireLocked(ctx, rec, s)
		return nil, ErrSessionExpired
	}

	s.LastAccess = now
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	rec.lastAccess = now
	return s, nil
}

func (m *Manager) loadSession(ctx context.Context, c *claims, opts ...cache.GetOption) (*Session, error) {
	var s Session
	_, ok, err := m.cache.Get(ctx, metaKey(c.Subject, c.SessionID), &s, opts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "load session")
	}
	if !ok || s.UserID != c.Subject {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *Manager) loadCredential(ctx context.Context, rec *record, s *Session, opts ...cache.GetOption) (storedCredential, error) {
	var stored storedCredential
	_, ok, err := m.cache.Get(ctx, credKey(s.UserID, s.ID), &stored, opts...)
	if err != nil {
		return storedCredential{}, xerrors.Wrap(err, "load provider credential")
	}
	// 凭证条目丢失（被淘汰或共享层降级）时无法再刷新，只能重新登录
	if !ok || stored.RefreshRef != s.RefreshRef {
		m.logger.WarnContext(ctx, "provider credential missing, expiring session", clog.String("session_id", s.ID))
		m.expireLocked(ctx, rec, s)
		return storedCredential{}, ErrSessionExpired
	}
	return stored, nil
}

// refreshLocked 调用提供方刷新凭证并覆盖凭证键。
// 刷新令牌一次性有效，调用方离开后仍要完成提交，否则新令牌会丢失。
func (m *Manager) refreshLocked(ctx context.Context, rec *record, s *Session, stored storedCredential) (storedCredential, error) {
	rctx := context.WithoutCancel(ctx)
	cred, err := resilient.Do(rctx, m.invoker, provider.DependencyAuth, m.cfg.AuthTimeout,
		func(ctx context.Context) (provider.Credential, error) {
			return m.provider.Refresh(ctx, stored.Credential.RefreshToken)
		})
	if err != nil {
		if resilient.ClassOf(err) == retry.Permanent {
			m.logger.WarnContext(ctx, "provider rejected credential refresh, expiring session",
				clog.String("session_id", s.ID), clog.Error(err))
			m.expireLocked(rctx, rec, s)
			return storedCredential{}, ErrSessionExpired
		}
		m.logger.WarnContext(ctx, "credential refresh failed",
			clog.String("session_id", s.ID), clog.Error(err))
		return storedCredential{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	stored.Credential = cred
	// 单键覆盖写，凭证键不会出现缺失窗口
	if err := m.cache.Set(rctx, credKey(s.UserID, s.ID), stored, cache.WithTTL(s.ExpiresAt.Sub(m.now()))); err != nil {
		return storedCredential{}, xerrors.Wrap(err, "store refreshed credential")
	}
	m.event(ctx, EventRefresh)
	m.logger.InfoContext(ctx, "provider credential refreshed",
		clog.String("session_id", s.ID), clog.Time("credential_expires_at", cred.ExpiresAt))
	return stored, nil
}

func (m *Manager) expireLocked(ctx context.Context, rec *record, s *Session) {
	rec.state = stateExpired
	m.removeEntries(ctx, s.UserID, s.ID)
	m.event(ctx, EventExpired)
	m.logger.InfoContext(ctx, "session expired", clog.String("session_id", s.ID), clog.String("user_id", s.UserID))
}

// removeEntries 删除会话元数据与凭证条目；stream-url 为 session 作用域时一并删除本会话的播放地址
func (m *Manager) removeEntries(ctx context.Context, userID, sid string) {
	for _, k := range []cache.Key{metaKey(userID, sid), credKey(userID, sid)} {
		if err := m.cache.Invalidate(ctx, k); err != nil {
			m.logger.WarnContext(ctx, "failed to invalidate session entry", clog.String("key", k.String()), clog.Error(err))
		}
	}
	if p, ok := m.cache.Policy(cache.ClassStreamURL); ok && p.Scope == cache.ScopeSession {
		if _, err := m.cache.InvalidatePattern(ctx, cache.ClassStreamURL, userID, sid+":*"); err != nil {
			m.logger.WarnContext(ctx, "failed to invalidate session stream urls", clog.String("session_id", sid), clog.Error(err))
		}
	}
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	ttl := s.ExpiresAt.Sub(m.now())
	if ttl <= 0 {
		return ErrSessionExpired
	}
	if err := m.cache.Set(ctx, metaKey(s.UserID, s.ID), s, cache.WithTTL(ttl)); err != nil {
		return xerrors.Wrap(err, "store session")
	}
	return nil
}

func (m *Manager) recordFor(c *claims) *record {
	if v, ok := m.records.Load(c.SessionID); ok {
		return v.(*record)
	}
	v, _ := m.records.LoadOrStore(c.SessionID, &record{userID: c.Subject, expiresAt: c.ExpiresAt.Time})
	return v.(*record)
}

// usable 凭证距过期还有超过 RefreshSkew 的时间
func (m *Manager) usable(stored storedCredential) bool {
	return m.now().Add(m.cfg.RefreshSkew).Before(stored.Credential.ExpiresAt)
}

func (m *Manager) idle(now, lastAccess time.Time) bool {
	return m.cfg.SlidingWindow > 0 && now.Sub(lastAccess) >= m.cfg.SlidingWindow
}

func (m *Manager) event(ctx context.Context, name string) {
	m.events.Inc(ctx, metrics.L(metrics.LabelEvent, name))
}

// Start 启动后台清理，重复调用无效
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	ctx, m.stop = context.WithCancel(context.WithoutCancel(ctx))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
	m.logger.Info("session gc started", clog.Duration("interval", m.cfg.GCInterval))
}

// Close 停止后台清理
func (m *Manager) Close() error {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	if stop != nil {
		stop()
		m.wg.Wait()
	}
	return nil
}

// Sweep 清理本实例已知的过期会话及其条目，返回本轮判定过期的会话数。
// 墓碑在绝对过期后删除。
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	expired := 0
	m.records.Range(func(k, v any) bool {
		sid, rec := k.(string), v.(*record)
		rec.mu.Lock()
		defer rec.mu.Unlock()

		switch {
		case !now.Before(rec.expiresAt):
			if rec.state == stateActive {
				m.removeEntries(ctx, rec.userID, sid)
				expired++
			}
			m.records.Delete(sid)

		case rec.state == stateActive && m.idle(now, rec.lastAccess):
			// 其他实例可能更新过最后访问时间，以缓存中的会话为准
			var s Session
			_, ok, err := m.cache.Get(ctx, metaKey(rec.userID, sid), &s, cache.SkipLocal())
			if err != nil || !ok {
				return true
			}
			rec.lastAccess = s.LastAccess
			if m.idle(now, s.LastAccess) {
				m.expireLocked(ctx, rec, &s)
				expired++
			}
		}
		return true
	})
	if expired > 0 {
		m.events.Add(ctx, float64(expired), metrics.L(metrics.LabelEvent, EventGC))
		m.logger.DebugContext(ctx, "expired sessions swept", clog.Int("count", expired))
	}
	return expired
}

func metaKey(userID, sid string) cache.Key {
	return cache.Key{Class: cache.ClassSession, Name: "meta:" + sid, Owner: userID, Session: sid}
}

func credKey(userID, sid string) cache.Key {
	return cache.Key{Class: cache.ClassSession, Name: "cred:" + sid, Owner: userID, Session: sid}
}

// IsUnavailable 判断 err 是否为提供方不可用
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
