package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/mediacore/breaker"
	"github.com/ceyewan/mediacore/cache"
	"github.com/ceyewan/mediacore/metrics"
	"github.com/ceyewan/mediacore/provider"
	"github.com/ceyewan/mediacore/resilient"
	"github.com/ceyewan/mediacore/retry"
	"github.com/ceyewan/mediacore/testkit"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var alice = provider.Credentials{Username: "alice", Password: "s3cret"}

type fixture struct {
	mgr     *Manager
	fake    *provider.Fake
	inv     *resilient.Invoker
	cache   *cache.Manager
	clock   *testkit.Clock
	probe   *testkit.MeterProbe
	mr      *miniredis.Miniredis
	client  *redis.Client
	cfg     *Config
	classes map[string]cache.ClassPolicy
}

const invalidationChannel = "mc.invalidate"

func newFixture(t *testing.T, tweak ...func(*Config, map[string]cache.ClassPolicy)) *fixture {
	t.Helper()
	logger := testkit.NewLogger(t)
	probe := testkit.NewMeterProbe(t)
	clock := testkit.NewClock()

	fake := provider.NewFake(
		provider.WithUser("alice", "s3cret"),
		provider.WithUser("bob", "hunter2"),
		provider.WithClock(clock.Now),
		provider.WithTokenTTL(10*time.Minute))

	breakers, err := breaker.New(&breaker.Config{
		Default: breaker.Policy{FailureThreshold: 3, CoolDown: time.Minute, HalfOpenTrials: 1},
	}, breaker.WithLogger(logger))
	require.NoError(t, err)
	policy, err := retry.New(retry.Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3},
		retry.WithJitter(func() float64 { return 0 }))
	require.NoError(t, err)
	inv, err := resilient.New(&resilient.Config{DefaultTimeout: time.Second}, breakers, policy, resilient.WithLogger(logger))
	require.NoError(t, err)

	cfg := &Config{
		Secret:         testSecret,
		Issuer:         "mediacore",
		AbsoluteExpiry: time.Hour,
		SlidingWindow:  15 * time.Minute,
		RefreshSkew:    time.Minute,
	}
	classes := map[string]cache.ClassPolicy{
		cache.ClassSession:   {TTL: 24 * time.Hour, Tiers: []cache.Tier{cache.TierLocal, cache.TierShared}, Scope: cache.ScopeUser},
		cache.ClassStreamURL: {TTL: 5 * time.Minute, Tiers: []cache.Tier{cache.TierLocal}, Scope: cache.ScopeUser},
	}
	for _, fn := range tweak {
		fn(cfg, classes)
	}

	mr, client := testkit.NewMiniRedis(t)
	f := &fixture{fake: fake, inv: inv, clock: clock, probe: probe, mr: mr, client: client, cfg: cfg, classes: classes}
	f.mgr, f.cache = f.instance(t, WithMeter(probe.Meter))
	return f
}

// instance 在同一个 Redis 与失效通道上再建一个实例，共享提供方与时钟
func (f *fixture) instance(t *testing.T, opts ...Option) (*Manager, *cache.Manager) {
	t.Helper()
	logger := testkit.NewLogger(t)
	cm, err := cache.New(&cache.Config{Prefix: "mc:", Classes: f.classes},
		cache.WithShared(cache.NewRedisStoreFromClient(f.client)),
		cache.WithBus(cache.NewRedisBusFromClient(f.client, invalidationChannel)),
		cache.WithClock(f.clock.Now),
		cache.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cm.Close() })

	cfg := *f.cfg
	opts = append([]Option{WithLogger(logger), WithClock(f.clock.Now)}, opts...)
	mgr, err := New(&cfg, f.fake, f.inv, cm, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr, cm
}

func (f *fixture) login(t *testing.T, creds provider.Credentials) *Issued {
	t.Helper()
	issued, err := f.mgr.Login(context.Background(), creds)
	require.NoError(t, err)
	return issued
}

func (f *fixture) events(t *testing.T, name string) int64 {
	return f.probe.Counter(t, metrics.MetricSessionEvents, metrics.L(metrics.LabelEvent, name))
}

func countRecords(m *Manager) int {
	n := 0
	m.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestNewValidation(t *testing.T) {
	f := newFixture(t)
	p := provider.NewFake()

	_, err := New(nil, p, f.inv, f.cache)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(&Config{Secret: "short"}, p, f.inv, f.cache)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(&Config{Secret: testSecret}, nil, f.inv, f.cache)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(&Config{Secret: testSecret, TokenLookup: "body:token"}, p, f.inv, f.cache)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	noSessionClass, err := cache.New(&cache.Config{Classes: map[string]cache.ClassPolicy{
		cache.ClassMetadata: {TTL: time.Minute, Tiers: []cache.Tier{cache.TierLocal}, Scope: cache.ScopeGlobal},
	}})
	require.NoError(t, err)
	_, err = New(&Config{Secret: testSecret}, p, f.inv, noSessionClass)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoginAndValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.clock.Now()

	issued := f.login(t, alice)
	s := issued.Session
	assert.NotEmpty(t, issued.Token)
	assert.Equal(t, f.fake.UserID("alice"), s.UserID)
	assert.Equal(t, start.Add(time.Hour), s.ExpiresAt)
	assert.Equal(t, "cred:"+s.ID, s.CredentialRef)
	assert.NotEmpty(t, s.RefreshRef)
	assert.NotContains(t, issued.Token, s.RefreshRef)

	// 凭证存放在 user 作用域的 session 条目中
	assert.True(t, f.mr.Exists("mc:session:u:"+s.UserID+":cred:"+s.ID))
	assert.True(t, f.mr.Exists("mc:session:u:"+s.UserID+":meta:"+s.ID))

	f.clock.Advance(5 * time.Minute)
	got, err := f.mgr.Validate(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, start.Add(5*time.Minute), got.LastAccess)
	assert.Equal(t, s.ExpiresAt, got.ExpiresAt, "sliding access never extends absolute expiry")

	assert.Equal(t, int64(1), f.events(t, EventLogin))
	assert.Equal(t, int64(1), f.events(t, EventValidate))
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, wrongPassword := f.mgr.Login(ctx, provider.Credentials{Username: "alice", Password: "nope"})
	_, unknownUser := f.mgr.Login(ctx, provider.Credentials{Username: "mallory", Password: "nope"})

	assert.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, unknownUser, ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())

	assert.Equal(t, 2, f.fake.Calls("authenticate"), "permanent failures are not retried")
	assert.Equal(t, uint32(0), f.inv.Breakers().Counts(provider.DependencyAuth).TotalFailures)
	assert.Equal(t, int64(2), f.events(t, EventLoginRejected))
}

func TestLoginProviderUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fake.Fail(provider.Unavailable("503"), provider.Unavailable("503"), provider.Unavailable("503"))
	_, err := f.mgr.Login(ctx, alice)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, 3, f.fake.Calls("authenticate"))

	// 三次失败后熔断打开，不再调用提供方
	_, err = f.mgr.Login(ctx, alice)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.True(t, resilient.IsCircuitOpen(err))
	assert.Equal(t, 3, f.fake.Calls("authenticate"))
	assert.Equal(t, int64(2), f.events(t, EventLoginUnavailable))
}

func TestLoginLogoutValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued := f.login(t, alice)
	require.NoError(t, f.mgr.Logout(ctx, issued.Token))

	_, err := f.mgr.Validate(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.mgr.Credential(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.False(t, f.mr.Exists("mc:session:u:"+issued.Session.UserID+":cred:"+issued.Session.ID))
	assert.NoError(t, f.mgr.Logout(ctx, issued.Token), "logout is idempotent")
	assert.Equal(t, int64(1), f.events(t, EventLogout))
}

func TestLogoutOnlyAffectsOwnSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.login(t, alice)
	second := f.login(t, alice)
	require.NoError(t, f.mgr.Logout(ctx, first.Token))

	_, err := f.mgr.Validate(ctx, second.Token)
	assert.NoError(t, err)
}

func TestValidateRejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.login(t, alice)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   issued.Session.UserID,
			Issuer:    "mediacore",
			ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Hour)),
		},
		SessionID: issued.Session.ID,
	})
	forgedToken, err := forged.SignedString([]byte(strings.Repeat("x", 32)))
	require.NoError(t, err)

	otherOwner, err := f.mgr.tokens.sign(&Session{ID: issued.Session.ID, UserID: f.fake.UserID("bob"),
		CreatedAt: f.clock.Now(), ExpiresAt: f.clock.Now().Add(time.Hour)}, f.clock.Now())
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-jwt",
		"forged":       forgedToken,
		"truncated":    issued.Token[:len(issued.Token)-4],
		"other owner":  otherOwner,
		"empty":        "",
		"none alg":     "eyJhbGciOiJub25lIn0.eyJzdWIiOiJ4Iiwic2lkIjoieSJ9.",
		"unknown sess": mustSign(t, f.mgr, issued.Session.UserID, "no-such-session"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.mgr.Validate(ctx, token)
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func mustSign(t *testing.T, m *Manager, userID, sid string) string {
	t.Helper()
	token, err := m.tokens.sign(&Session{ID: sid, UserID: userID, CreatedAt: m.now(), ExpiresAt: m.now().Add(time.Hour)}, m.now())
	require.NoError(t, err)
	return token
}

func TestAbsoluteExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.login(t, alice)

	// 持续活跃也不能越过绝对过期
	for i := 0; i < 5; i++ {
		f.clock.Advance(10 * time.Minute)
		_, err := f.mgr.Validate(ctx, issued.Token)
		require.NoError(t, err)
	}
	f.clock.Advance(10 * time.Minute)
	_, err := f.mgr.Validate(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSlidingExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.login(t, alice)

	f.clock.Advance(14 * time.Minute)
	_, err := f.mgr.Validate(ctx, issued.Token)
	require.NoError(t, err)

	f.clock.Advance(15 * time.Minute)
	_, err = f.mgr.Validate(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// 过期后保持 Expired，而不是 NotFound
	_, err = f.mgr.Validate(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, f.mr.Exists("mc:session:u:"+issued.Session.UserID+":cred:"+issued.Session.ID))
}

func TestSlidingWindowDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config, _ map[string]cache.ClassPolicy) { c.SlidingWindow = -1 })
	issued := f.login(t, alice)

	f.clock.Advance(50 * time.Minute)
	_, err := f.mgr.Validate(context.Background(), issued.Token)
	assert.NoError(t, err)
}

func TestCredentialLazyRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.login(t, alice)

	first, err := f.mgr.Credential(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, 0, f.fake.Calls("refresh"))

	// 提供方凭证 10m 过期，进入 1m 的刷新窗口
	f.clock.Advance(9*time.Minute + 30*time.Second)
	second, err := f.mgr.Credential(ctx, issued.Token)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, 1, f.fake.Calls("refresh"))

	third, err := f.mgr.Credential(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, second.AccessToken, third.AccessToken)
	assert.Equal(t, 1, f.fake.Calls("refresh"))

	_, err = f.fake.ResolveStream(ctx, third.AccessToken, "ep-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), f.events(t, EventRefresh))
}

func TestConcurrentRefreshHappensOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.login(t, alice)
	f.clock.Advance(10 * time.Minute)

	const n = 20
	tokens := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := f.mgr.Credential(ctx, issued.Token)
			tokens[i], errs[i] = cred.AccessToken, err
		}(i)
	}
	wg.Wait()

	// 刷新令牌一次性有效，第二次刷新会被提供方拒绝
	assert.Equal(t, 1, f.fake.Calls("refresh"))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
}

func TestRefreshVisibleToNextRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.login(t, alice)

	before, err := f.mgr.Credential(ctx, issued.Token)
	require.NoError(t, err)
	_, err = f.mgr.Refresh(ctx, issued.Token)
	require.NoError(t, err)

	after, err := f.mgr.Credential(ctx, issued.Token)
	require.NoError(t, err)
	assert.NotEqual(t, before.AccessToken, after.AccessToken)
	assert.True(t, f.mr.Exists("mc:session:u:"+issued.Session.UserID+":cred:"+issued.Session.ID))
}

func TestRenewKeepsAbsoluteExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.login(t, alice)
	before, err := f.mgr.Credential(ctx, issued.Token)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	renewed, err := f.mgr.Renew(ctx, issued.Token)
	require.NoError(t, err)
	assert.NotEqual(t, issued.Token, renewed.Token)
	assert.Equal(t, issued.Session.ID, renewed.Session.ID)
	assert.True(t, issued.Session.ExpiresAt.Equal(renewed.Session.ExpiresAt))
	assert.Equal(t, 1, f.fake.Calls("refresh"))

	c, err := f.mgr.tokens.parse(renewed.Token)
	require.NoError(t, err)
	assert.True(t, issued.Session.ExpiresAt.Truncate(time.Second).Equal(c.ExpiresAt.Time))

	after, err := f.mgr.Credential(ctx, renewed.Token)
	require.NoError(t, err)
	assert.NotEqual(t, before.AccessToken, after.AccessToken)
	_, err = f.mgr.Validate(ctx, issued.Token)
	assert.NoError(t, err, "earlier token still names the same session")

	require.NoError(t, f.mgr.Logout(ctx, renewed.Token))
	_, err = f.mgr.Renew(ctx, renewed.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRefreshOnOneInstanceVisibleToPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peer, _ := f.instance(t)
	issued := f.login(t, alice)

	// 对端本地层持有旧凭证
	original, err := peer.Credential(ctx, issued.Token)
	require.NoError(t, err)

	f.clock.Advance(9*time.Minute + 30*time.Second)
	refreshed, err := f.mgr.Credential(ctx, issued.Token)
	require.NoError(t, err)
	require.NotEqual(t, original.AccessToken, refreshed.AccessToken)
	assert.Equal(t, 1, f.fake.Calls("refresh"))

	got, err := peer.Credential(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, refreshed.AccessToken, got.AccessToken)
	assert.Equal(t, 1, f.fake.Calls("refresh"), "peer must not spend the rotated refresh token")

	_, err = f.mgr.Validate(ctx, issued.Token)
	assert.NoError(t, err)
}

func TestPeerOverwriteDropsLocalCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, peerCache := f.instance(t)
	issued := f.login(t, alice)
	key := credKey(issued.Session.UserID, issued.Session.ID)

	var seen storedCredential
	_, ok, err := peerCache.Get(ctx, key, &seen)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(9*time.Minute + 30*time.Second)
	refreshed, err := f.mgr.Credential(ctx, issued.Token)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var cur storedCredential
		entry, ok, err := peerCache.Get(ctx, key, &cur)
		return err == nil && ok && entry.Tier == cache.TierShared && cur.Credential.AccessToken == refreshed.AccessToken
	}, time.Second, 5*time.Millisecond)
}

func TestSlidingWindowSpansInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peer, _ := f.instance(t)
	issued := f.login(t, alice)

	_, err := peer.Validate(ctx, issued.Token)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		f.clock.Advance(10 * time.Minute)
		_, err := f.mgr.Validate(ctx, issued.Token)
		require.NoError(t, err)
	}

	// 最后一次访问在 1m 前，发生在另一个实例上
	f.clock.Advance(time.Minute)
	_, err = peer.Validate(ctx, issued.Token)
	require.NoError(t, err)
	_, err = f.mgr.Validate(ctx, issued.Token)
	assert.NoError(t, err)

	// 两边都闲置超过窗口后过期
	f.clock.Advance(16 * time.Minute)
	_, err = peer.Validate(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRefreshRejectedExpiresSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.login(t, alice)

	f.fake.Fail(retry.MarkPermanent(provider.ErrRefreshRejected))
	_, err := f.mgr.Refresh(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = f.mgr.Validate(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRefreshUnavailableKeepsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.login(t, alice)
	before, err := f.mgr.Credential(ctx, issued.Token)
	require.NoError(t, err)

	f.fake.Fail(provider.Unavailable("502"), provider.Unavailable("502"), provider.Unavailable("502"))
	_, err = f.mgr.Refresh(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	_, err = f.mgr.Validate(ctx, issued.Token)
	require.NoError(t, err)
	still, err := f.mgr.Credential(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, before.AccessToken, still.AccessToken)
}

func TestRefreshKeepsGrantedStreams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued := f.login(t, alice)
	key := cache.StreamURLKey(issued.Session.UserID, issued.Session.ID, "ep-1")
	require.NoError(t, f.cache.Set(ctx, key, "https://cdn/ep-1.m3u8"))

	_, err := f.mgr.Refresh(ctx, issued.Token)
	require.NoError(t, err)

	var url string
	_, ok, err := f.cache.Get(ctx, key, &url)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLogoutPurgesSessionScopedStreams(t *testing.T) {
	f := newFixture(t, func(_ *Config, classes map[string]cache.ClassPolicy) {
		classes[cache.ClassStreamURL] = cache.ClassPolicy{TTL: 5 * time.Minute, Tiers: []cache.Tier{cache.TierLocal}, Scope: cache.ScopeSession}
	})
	ctx := context.Background()
	a := f.login(t, alice)
	b := f.login(t, alice)

	keyA := cache.StreamURLKey(a.Session.UserID, a.Session.ID, "ep-1")
	keyB := cache.StreamURLKey(b.Session.UserID, b.Session.ID, "ep-1")
	require.NoError(t, f.cache.Set(ctx, keyA, "a"))
	require.NoError(t, f.cache.Set(ctx, keyB, "b"))

	require.NoError(t, f.mgr.Logout(ctx, a.Token))

	var url string
	_, ok, err := f.cache.Get(ctx, keyA, &url)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = f.cache.Get(ctx, keyB, &url)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.login(t, alice)
	f.login(t, provider.Credentials{Username: "bob", Password: "hunter2"})
	c := f.login(t, alice)
	require.NoError(t, f.mgr.Logout(ctx, c.Token))
	assert.Equal(t, 3, countRecords(f.mgr))

	// a 保持活跃，b 空闲超过滑动窗口
	f.clock.Advance(10 * time.Minute)
	_, err := f.mgr.Validate(ctx, a.Token)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	assert.Equal(t, 1, f.mgr.Sweep(ctx))
	assert.Equal(t, 3, countRecords(f.mgr), "tombstones are kept until absolute expiry")
	_, err = f.mgr.Validate(ctx, a.Token)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, f.mgr.Sweep(ctx))
	assert.Equal(t, 0, countRecords(f.mgr))
	assert.Empty(t, f.mr.Keys())
	assert.Equal(t, int64(2), f.events(t, EventGC))
}

func TestBackgroundGC(t *testing.T) {
	f := newFixture(t, func(c *Config, _ map[string]cache.ClassPolicy) { c.GCInterval = 5 * time.Millisecond })
	f.login(t, alice)

	f.mgr.Start(context.Background())
	f.mgr.Start(context.Background())
	f.clock.Advance(2 * time.Hour)

	require.Eventually(t, func() bool { return countRecords(f.mgr) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.mgr.Close())
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	issued := f.login(t, alice)

	r := gin.New()
	r.Use(f.mgr.GinMiddleware())
	r.GET("/me", func(c *gin.Context) {
		s, ok := GetSession(c)
		require.True(t, ok)
		fromCtx, token, ok := FromContext(c.Request.Context())
		require.True(t, ok)
		assert.Equal(t, s.ID, fromCtx.ID)
		assert.Equal(t, issued.Token, token)
		c.String(http.StatusOK, s.ID)
	})

	do := func(mut func(*http.Request)) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		mut(req)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(func(*http.Request) {})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+issued.Token) })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, issued.Session.ID, w.Body.String())

	w = do(func(req *http.Request) { req.AddCookie(&http.Cookie{Name: "session", Value: issued.Token}) })
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, f.mgr.Logout(context.Background(), issued.Token))
	w = do(func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+issued.Token) })
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		lookup string
		setup  func(*http.Request)
		want   string
	}{
		{name: "header", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, want: "abc"},
		{name: "query", setup: func(r *http.Request) { r.URL.RawQuery = "token=abc" }, want: "abc"},
		{name: "cookie", setup: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "session", Value: "abc"}) }, want: "abc"},
		{name: "wrong scheme", setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }},
		{name: "explicit lookup ignores others", lookup: "header:X-Session",
			setup: func(r *http.Request) { r.URL.RawQuery = "token=abc" }},
		{name: "explicit header", lookup: "header:X-Session",
			setup: func(r *http.Request) { r.Header.Set("X-Session", "Bearer abc") }, want: "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			got, err := extractToken(req, tt.lookup, "Bearer")
			if tt.want == "" {
				assert.ErrorIs(t, err, ErrMissingToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
