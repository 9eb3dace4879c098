// Package cache 提供两级缓存管理器：进程内本地层（otter）+ 跨实例共享层（Redis）。
//
// 查找顺序为本地层、共享层；共享层命中会以剩余 TTL 回填本地层。写入同时落两层，
// 除非类别配置为仅本地（如 stream-url，避免把用户专属的播放地址扩散到共享层）。
// 每个键类别的 TTL、层级与作用域来自配置：
//
//	classes:
//	  metadata:   {ttl: 1h,  tiers: [local, shared], scope: global}
//	  stream-url: {ttl: 5m,  tiers: [local],         scope: user}
//
// user/session 作用域的归属身份是物理键的一部分，并在读取时再次校验，
// 不同身份永远读不到彼此的条目。
//
// 共享层不可用时管理器进入降级模式，只使用本地层且不向调用方报错；
// 每隔 DegradedProbeInterval 探测一次共享层，恢复后自动退出降级。
//
// 基本使用：
//
//	m, _ := cache.New(cfg, cache.WithShared(store), cache.WithLogger(logger), cache.WithMeter(meter))
//
//	var anime Anime
//	entry, ok, err := m.Get(ctx, cache.MetadataKey("anime", "42"), &anime)
//
//	// 未命中时由单个 loader 回源，并发的其他调用方等待同一结果
//	anime, err := cache.GetOrFetch(ctx, m, cache.MetadataKey("anime", "42"), func(ctx context.Context) (Anime, error) {
//		return catalog.Anime(ctx, "42")
//	})
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ceyewan/mediacore/cache/serializer"
	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/metrics"
	"github.com/ceyewan/mediacore/xerrors"
)

// Entry 命中条目的元信息。值本身解码到调用方传入的 dest，
// 归属身份在 Key.Owner/Key.Session 中，作用域由类别策略决定。
type Entry struct {
	Key        Key
	Tier       Tier // 命中的层
	Loaded     bool // 由 loader 回源得到
	InsertedAt time.Time
	TTL        time.Duration // 写入时的存活时间
	ExpiresAt  time.Time
}

// maxPending 降级期间暂存的共享层删除上限
const maxPending = 10000

// Manager 两级缓存管理器，并发安全
type Manager struct {
	cfg    *Config
	ser    serializer.Serializer
	local  *localTier
	shared SharedStore
	bus    Bus
	logger clog.Logger
	now    func() time.Time
	id     string

	degraded  atomic.Bool
	nextProbe atomic.Int64

	// 降级期间未能删除的共享层键与模式，恢复后补删，避免失效的条目复活
	pendingMu       sync.Mutex
	pendingKeys     map[string]struct{}
	pendingPatterns map[string]struct{}

	group singleflight.Group

	// 进行中的回源，键被失效或覆盖时置为过时
	flightsMu sync.Mutex
	flights   map[string]map[*flight]struct{}

	requests      metrics.Counter
	invalidations metrics.Counter
	degradedGauge metrics.Gauge
}

// New 创建缓存管理器
func New(cfg *Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := options{logger: clog.Discard(), meter: metrics.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	ser, err := serializer.New(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	local, err := newLocalTier(cfg.LocalCapacity)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:             cfg,
		ser:             ser,
		local:           local,
		shared:          o.shared,
		bus:             o.bus,
		logger:          o.logger,
		now:             o.now,
		id:              uuid.NewString(),
		pendingKeys:     make(map[string]struct{}),
		pendingPatterns: make(map[string]struct{}),
		flights:         make(map[string]map[*flight]struct{}),
	}

	if m.requests, err = o.meter.Counter(metrics.MetricCacheRequests, "cache lookups by tier and result"); err != nil {
		return nil, err
	}
	if m.invalidations, err = o.meter.Counter(metrics.MetricCacheInvalidations, "cache invalidations"); err != nil {
		return nil, err
	}
	if m.degradedGauge, err = o.meter.Gauge(metrics.MetricCacheDegraded, "1 while the shared tier is bypassed"); err != nil {
		return nil, err
	}
	m.degradedGauge.Set(context.Background(), 0)

	if m.bus != nil {
		if err := m.bus.Subscribe(context.Background(), m.onInvalidation); err != nil {
			return nil, xerrors.Wrap(err, "subscribe cache invalidations")
		}
	}

	m.logger.Info("cache manager created",
		clog.Int("local_capacity", cfg.LocalCapacity),
		clog.Bool("shared", m.shared != nil),
		clog.Bool("bus", m.bus != nil),
		clog.String("serializer", ser.Name()),
		clog.Int("classes", len(cfg.Classes)))
	return m, nil
}

// Close 停止接收失效广播。连接由连接器管理，这里不关闭。
func (m *Manager) Close() error {
	if m.bus != nil {
		return m.bus.Close()
	}
	return nil
}

// Degraded 共享层是否被绕过
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// Policy 返回类别策略
func (m *Manager) Policy(class string) (ClassPolicy, bool) {
	p, ok := m.cfg.Classes[class]
	return p, ok
}

func (m *Manager) resolve(k Key) (ClassPolicy, string, error) {
	p, ok := m.cfg.Classes[k.Class]
	if !ok {
		return ClassPolicy{}, "", xerrors.Wrapf(ErrUnknownClass, "%q", k.Class)
	}
	skey, err := storageKey(m.cfg.Prefix, k, p.Scope)
	if err != nil {
		return ClassPolicy{}, "", xerrors.Wrapf(err, "%s", k)
	}
	return p, skey, nil
}

// Get 查找 k，命中时把值解码到 dest。共享层故障不会返回错误，只会导致未命中。
func (m *Manager) Get(ctx context.Context, k Key, dest any, opts ...GetOption) (Entry, bool, error) {
	p, skey, err := m.resolve(k)
	if err != nil {
		return Entry{}, false, err
	}
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	env, tier, ok := m.lookup(ctx, k, p, skey, true, o.skipLocal)
	if !ok {
		return Entry{}, false, nil
	}
	if err := m.ser.Unmarshal(env.Payload, dest); err != nil {
		return Entry{}, false, xerrors.Wrapf(err, "decode cached %s", k)
	}
	return m.entry(k, tier, env), true, nil
}

// lookup 依次查找本地层与共享层，过期或归属不符的条目视为未命中。
// skipLocal 时只要共享层可用就不读本地层。
func (m *Manager) lookup(ctx context.Context, k Key, p ClassPolicy, skey string, record, skipLocal bool) (*envelope, Tier, bool) {
	now := m.now()
	if skipLocal && (!p.has(TierShared) || m.shared == nil || m.degraded.Load()) {
		skipLocal = false
	}

	if p.has(TierLocal) && !skipLocal {
		if env, ok := m.local.get(skey); ok {
			if !env.expired(now) && env.ownedBy(k, p.Scope) {
				m.record(ctx, record, k.Class, TierLocal, metrics.ResultHit)
				return env, TierLocal, true
			}
			m.local.invalidate(skey)
		}
		m.record(ctx, record, k.Class, TierLocal, metrics.ResultMiss)
	}

	if !p.has(TierShared) || !m.sharedAvailable(ctx) {
		return nil, "", false
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.SharedTimeout)
	data, ok, err := m.shared.Get(sctx, skey)
	cancel()
	if err != nil {
		m.sharedFailed(ctx, "get", err)
		m.record(ctx, record, k.Class, TierShared, metrics.ResultError)
		return nil, "", false
	}
	if ok {
		var env envelope
		if err := m.ser.Unmarshal(data, &env); err != nil {
			m.logger.WarnContext(ctx, "discarding undecodable shared cache entry", clog.String("key", skey), clog.Error(err))
			m.record(ctx, record, k.Class, TierShared, metrics.ResultError)
			return nil, "", false
		}
		if !env.expired(now) && env.ownedBy(k, p.Scope) {
			if p.has(TierLocal) {
				m.local.set(skey, &env, env.remaining(now))
			}
			m.record(ctx, record, k.Class, TierShared, metrics.ResultHit)
			return &env, TierShared, true
		}
	}
	m.record(ctx, record, k.Class, TierShared, metrics.ResultMiss)
	return nil, "", false
}

// Set 写入 k。TTL 默认取类别配置，作用域由类别决定。
//
// 覆盖写是单键原子替换，不存在先删后写的空窗。
func (m *Manager) Set(ctx context.Context, k Key, value any, opts ...SetOption) error {
	p, skey, err := m.resolve(k)
	if err != nil {
		return err
	}
	o := setOptions{ttl: p.TTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		return xerrors.Wrapf(ErrInvalidConfig, "ttl for %s must be positive", k)
	}

	payload, err := m.ser.Marshal(value)
	if err != nil {
		return xerrors.Wrapf(err, "encode %s", k)
	}
	m.markStale(skey)
	m.store(ctx, k, p, skey, payload, o.ttl)
	return nil
}

func (m *Manager) store(ctx context.Context, k Key, p ClassPolicy, skey string, payload []byte, ttl time.Duration) *envelope {
	now := m.now()
	env := &envelope{
		Payload:    payload,
		Class:      k.Class,
		InsertedAt: now.UnixNano(),
		ExpiresAt:  now.Add(ttl).UnixNano(),
	}
	if p.Scope != ScopeGlobal {
		env.Owner = k.Owner
	}
	if p.Scope == ScopeSession {
		env.Session = k.Session
	}

	if p.has(TierLocal) {
		m.local.set(skey, env, ttl)
	}
	if !p.has(TierShared) || m.shared == nil {
		return env
	}
	m.writeShared(ctx, skey, env, ttl)
	// 其他实例的本地层可能还持有被覆盖的旧值
	m.publish(ctx, Invalidation{Key: skey})
	return env
}

func (m *Manager) writeShared(ctx context.Context, skey string, env *envelope, ttl time.Duration) {
	// 降级期间写不进共享层，旧值在恢复后会被补删，其他实例不会读到过期副本
	if !m.sharedAvailable(ctx) {
		m.deferDelete(skey, "")
		return
	}
	data, err := m.ser.Marshal(env)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to encode cache envelope", clog.String("key", skey), clog.Error(err))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SharedTimeout)
	err = m.shared.Set(sctx, skey, data, ttl)
	cancel()
	if err != nil {
		m.sharedFailed(ctx, "set", err)
		m.deferDelete(skey, "")
	}
}

// Invalidate 从两层删除 k 并广播给其他实例
func (m *Manager) Invalidate(ctx context.Context, k Key) error {
	p, skey, err := m.resolve(k)
	if err != nil {
		return err
	}

	m.markStale(skey)
	m.remove(ctx, p, skey)
	m.publish(ctx, Invalidation{Key: skey})
	m.invalidations.Inc(ctx, metrics.L(metrics.LabelKeyClass, k.Class))
	return nil
}

// remove 从两层删除 skey，共享层暂不可用时记入待补删
func (m *Manager) remove(ctx context.Context, p ClassPolicy, skey string) {
	m.local.invalidate(skey)
	if p.has(TierShared) && m.shared != nil {
		if !m.sharedAvailable(ctx) {
			m.deferDelete(skey, "")
		} else {
			sctx, cancel := context.WithTimeout(ctx, m.cfg.SharedTimeout)
			_, err := m.shared.Delete(sctx, skey)
			cancel()
			if err != nil {
				m.sharedFailed(ctx, "delete", err)
				m.deferDelete(skey, "")
			}
		}
	}
}

// InvalidatePattern 删除 class 下属于 owner 的、名称匹配 glob 的所有条目，
// 返回删除的键数。global 类别忽略 owner；session 作用域下 glob 匹配
// "<session>:<name>"。共享层使用 SCAN 遍历。
//
// 本地层使用 path.Match 语义，"*" 不跨越 "/"。
func (m *Manager) InvalidatePattern(ctx context.Context, class, owner, glob string) (int, error) {
	p, ok := m.cfg.Classes[class]
	if !ok {
		return 0, xerrors.Wrapf(ErrUnknownClass, "%q", class)
	}
	prefix, err := scopePattern(m.cfg.Prefix, class, owner, p.Scope)
	if err != nil {
		return 0, err
	}

	m.markStaleMatch(prefix, glob)
	removed := make(map[string]struct{})
	for _, key := range m.local.invalidateMatch(prefix, glob) {
		removed[key] = struct{}{}
	}

	if p.has(TierShared) && m.shared != nil {
		if !m.sharedAvailable(ctx) {
			m.deferDelete("", prefix+glob)
		} else {
			keys, err := m.shared.DeleteMatch(ctx, prefix+glob)
			if err != nil {
				m.sharedFailed(ctx, "scan", err)
				m.deferDelete("", prefix+glob)
			}
			for _, key := range keys {
				removed[key] = struct{}{}
			}
		}
	}

	m.publish(ctx, Invalidation{Prefix: prefix, Pattern: glob})
	m.invalidations.Add(ctx, float64(len(removed)), metrics.L(metrics.LabelKeyClass, class))
	m.logger.DebugContext(ctx, "cache pattern invalidated",
		clog.String("class", class), clog.String("pattern", glob), clog.Int("removed", len(removed)))
	return len(removed), nil
}

func (m *Manager) publish(ctx context.Context, msg Invalidation) {
	if m.bus == nil {
		return
	}
	msg.Origin = m.id
	if err := m.bus.Publish(ctx, msg); err != nil {
		m.logger.WarnContext(ctx, "failed to broadcast cache invalidation", clog.Error(err))
	}
}

// onInvalidation 处理其他实例的失效广播，只清理本地层
func (m *Manager) onInvalidation(msg Invalidation) {
	if msg.Origin == m.id {
		return
	}
	if msg.Key != "" {
		m.markStale(msg.Key)
		m.local.invalidate(msg.Key)
		return
	}
	if msg.Prefix != "" {
		m.markStaleMatch(msg.Prefix, msg.Pattern)
		m.local.invalidateMatch(msg.Prefix, msg.Pattern)
	}
}

// sharedAvailable 非降级时直接可用；降级时每个探测周期只有一个调用方去 Ping
func (m *Manager) sharedAvailable(ctx context.Context) bool {
	if m.shared == nil {
		return false
	}
	if !m.degraded.Load() {
		return true
	}

	next := m.nextProbe.Load()
	now := m.now().UnixNano()
	if now < next || !m.nextProbe.CompareAndSwap(next, now+int64(m.cfg.DegradedProbeInterval)) {
		return false
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SharedTimeout)
	defer cancel()
	if err := m.shared.Ping(pctx); err != nil {
		m.logger.DebugContext(ctx, "shared cache tier still unavailable", clog.Error(err))
		return false
	}
	if err := m.flushPending(pctx); err != nil {
		m.logger.WarnContext(ctx, "failed to replay pending shared deletes", clog.Error(err))
		return false
	}
	if m.degraded.CompareAndSwap(true, false) {
		m.degradedGauge.Set(ctx, 0)
		m.logger.InfoContext(ctx, "shared cache tier recovered")
	}
	return true
}

// sharedFailed 共享层操作失败时进入降级。调用方自身取消导致的失败不算。
func (m *Manager) sharedFailed(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		return
	}
	m.nextProbe.Store(m.now().Add(m.cfg.DegradedProbeInterval).UnixNano())
	if m.degraded.CompareAndSwap(false, true) {
		m.degradedGauge.Set(ctx, 1)
		m.logger.WarnContext(ctx, "shared cache tier unavailable, serving from local tier only",
			clog.String("op", op), clog.Error(err))
	}
}

func (m *Manager) deferDelete(key, pattern string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if len(m.pendingKeys)+len(m.pendingPatterns) >= maxPending {
		m.logger.Warn("pending shared delete queue full, dropping", clog.String("key", key), clog.String("pattern", pattern))
		return
	}
	if key != "" {
		m.pendingKeys[key] = struct{}{}
	}
	if pattern != "" {
		m.pendingPatterns[pattern] = struct{}{}
	}
}

func (m *Manager) flushPending(ctx context.Context) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if len(m.pendingKeys) > 0 {
		keys := make([]string, 0, len(m.pendingKeys))
		for k := range m.pendingKeys {
			keys = append(keys, k)
		}
		if _, err := m.shared.Delete(ctx, keys...); err != nil {
			return err
		}
		clear(m.pendingKeys)
	}
	for pattern := range m.pendingPatterns {
		if _, err := m.shared.DeleteMatch(ctx, pattern); err != nil {
			return err
		}
		delete(m.pendingPatterns, pattern)
	}
	return nil
}

func (m *Manager) record(ctx context.Context, enabled bool, class string, tier Tier, result string) {
	if !enabled {
		return
	}
	m.requests.Inc(ctx,
		metrics.L(metrics.LabelKeyClass, class),
		metrics.L(metrics.LabelTier, string(tier)),
		metrics.L(metrics.LabelResult, result))
}

func (m *Manager) entry(k Key, tier Tier, env *envelope) Entry {
	return Entry{
		Key:        k,
		Tier:       tier,
		InsertedAt: time.Unix(0, env.InsertedAt),
		TTL:        time.Duration(env.ExpiresAt - env.InsertedAt),
		ExpiresAt:  time.Unix(0, env.ExpiresAt),
	}
}
