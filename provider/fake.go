package provider

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/mediacore/retry"
	"github.com/ceyewan/mediacore/xerrors"
)

// Fake 内存实现的 Provider，并发安全。支持注入延迟与故障，用于测试和示例。
type Fake struct {
	mu      sync.Mutex
	users   map[string]fakeUser
	access  map[string]accessGrant
	refresh map[string]string // refresh token -> user id
	faults  []error
	calls   map[string]int
	opts    fakeOptions
}

type fakeUser struct {
	id       string
	password string
}

type accessGrant struct {
	userID    string
	expiresAt time.Time
}

type fakeOptions struct {
	users     map[string]string
	tokenTTL  time.Duration
	streamTTL time.Duration
	latency   time.Duration
	baseURL   string
	now       func() time.Time
}

// FakeOption Fake 选项
type FakeOption func(*fakeOptions)

// WithUser 注册一个账号
func WithUser(username, password string) FakeOption {
	return func(o *fakeOptions) {
		o.users[username] = password
	}
}

// WithTokenTTL 访问凭证有效期（默认：1h）
func WithTokenTTL(d time.Duration) FakeOption {
	return func(o *fakeOptions) {
		o.tokenTTL = d
	}
}

// WithStreamTTL 播放地址有效期（默认：5m）
func WithStreamTTL(d time.Duration) FakeOption {
	return func(o *fakeOptions) {
		o.streamTTL = d
	}
}

// WithLatency 每次调用的固定延迟，可被 ctx 取消
func WithLatency(d time.Duration) FakeOption {
	return func(o *fakeOptions) {
		o.latency = d
	}
}

// WithBaseURL 播放地址前缀（默认：https://cdn.provider.test）
func WithBaseURL(u string) FakeOption {
	return func(o *fakeOptions) {
		o.baseURL = u
	}
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) FakeOption {
	return func(o *fakeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewFake 创建内存 Provider
func NewFake(opts ...FakeOption) *Fake {
	o := fakeOptions{
		users:     make(map[string]string),
		tokenTTL:  time.Hour,
		streamTTL: 5 * time.Minute,
		baseURL:   "https://cdn.provider.test",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	f := &Fake{
		users:   make(map[string]fakeUser, len(o.users)),
		access:  make(map[string]accessGrant),
		refresh: make(map[string]string),
		calls:   make(map[string]int),
		opts:    o,
	}
	for name, pw := range o.users {
		f.users[name] = fakeUser{id: uuid.NewSHA1(uuid.NameSpaceURL, []byte("user:"+name)).String(), password: pw}
	}
	return f
}

// UserID 返回账号对应的用户 ID
func (f *Fake) UserID(username string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[username].id
}

// Fail 排队注入故障，后续调用依次消费，不区分方法
func (f *Fake) Fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, errs...)
}

// Calls 某方法被调用的次数（"authenticate" | "refresh" | "resolve_stream"）
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// ExpireAccess 让 userID 名下所有访问凭证立即失效，模拟提供方提前吊销
func (f *Fake) ExpireAccess(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, g := range f.access {
		if g.userID == userID {
			delete(f.access, tok)
		}
	}
}

func (f *Fake) Authenticate(ctx context.Context, creds Credentials) (Grant, error) {
	if err := f.enter(ctx, "authenticate"); err != nil {
		return Grant{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[creds.Username]
	// 未知用户与密码错误返回同一个错误
	if !ok || u.password != creds.Password {
		return Grant{}, retry.MarkPermanent(ErrInvalidCredentials)
	}
	return Grant{UserID: u.id, Credential: f.issueLocked(u.id)}, nil
}

func (f *Fake) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	if err := f.enter(ctx, "refresh"); err != nil {
		return Credential{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	userID, ok := f.refresh[refreshToken]
	if !ok {
		return Credential{}, retry.MarkPermanent(ErrRefreshRejected)
	}
	// 刷新令牌一次性使用
	delete(f.refresh, refreshToken)
	return f.issueLocked(userID), nil
}

func (f *Fake) ResolveStream(ctx context.Context, accessToken, contentID string) (Stream, error) {
	if err := f.enter(ctx, "resolve_stream"); err != nil {
		return Stream{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.opts.now()
	g, ok := f.access[accessToken]
	if !ok || !now.Before(g.expiresAt) {
		return Stream{}, retry.MarkPermanent(ErrAccessDenied)
	}
	if contentID == "" {
		return Stream{}, retry.MarkPermanent(ErrContentNotFound)
	}
	return Stream{
		ContentID: contentID,
		URL:       f.opts.baseURL + "/" + url.PathEscape(contentID) + ".m3u8?sig=" + uuid.NewString(),
		ExpiresAt: now.Add(f.opts.streamTTL),
	}, nil
}

// enter 记录调用、模拟延迟并消费注入的故障
func (f *Fake) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	var fault error
	if len(f.faults) > 0 {
		fault = f.faults[0]
		f.faults = f.faults[1:]
	}
	latency := f.opts.latency
	f.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if fault != nil {
		return fault
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (f *Fake) issueLocked(userID string) Credential {
	now := f.opts.now()
	cred := Credential{
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    now.Add(f.opts.tokenTTL),
	}
	f.access[cred.AccessToken] = accessGrant{userID: userID, expiresAt: cred.ExpiresAt}
	f.refresh[cred.RefreshToken] = userID
	return cred
}

// Unavailable 构造一个可重试的提供方故障，便于 Fail 注入
func Unavailable(msg string) error {
	return retry.MarkTransient(xerrors.Wrap(ErrUnavailable, msg))
}
