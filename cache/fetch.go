package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ceyewan/mediacore/xerrors"
)

// Loader 回源函数。它运行在与调用方取消解耦的上下文中，
// 单个调用方离开不会中断其他等待者共享的回源。
type Loader func(ctx context.Context) (any, error)

// Expiring 由 Loader 返回，为本次结果指定更短的 TTL，例如上游给出的过期时间。
// TTL <= 0 表示结果不缓存，只返回给等待者。
type Expiring struct {
	Value any
	TTL   time.Duration
}

// flight 一次进行中的回源。回源期间键被失效或覆盖时 stale 置位，
// 结果只交给本轮等待者，不写回缓存。
type flight struct {
	stale atomic.Bool
}

type fetched struct {
	env    *envelope
	tier   Tier
	loaded bool
}

// Fetch 先查缓存，未命中时回源并写回。同一物理键的并发未命中只触发一次 load，
// 所有等待者得到同一结果；每个等待者可以凭自己的 ctx 提前离开。
// load 的错误不会被缓存。
func (m *Manager) Fetch(ctx context.Context, k Key, dest any, load Loader, opts ...SetOption) (Entry, error) {
	p, skey, err := m.resolve(k)
	if err != nil {
		return Entry{}, err
	}
	if env, tier, ok := m.lookup(ctx, k, p, skey, true, false); ok {
		if err := m.ser.Unmarshal(env.Payload, dest); err != nil {
			return Entry{}, xerrors.Wrapf(err, "decode cached %s", k)
		}
		return m.entry(k, tier, env), nil
	}

	o := setOptions{ttl: p.TTL}
	for _, opt := range opts {
		opt(&o)
	}

	ch := m.group.DoChan(skey, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		fl := m.beginFlight(skey)
		defer m.endFlight(skey, fl)

		// 上一轮回源可能刚刚写回
		if env, tier, ok := m.lookup(fctx, k, p, skey, false, false); ok {
			return fetched{env: env, tier: tier}, nil
		}
		val, err := load(fctx)
		if err != nil {
			return nil, err
		}
		ttl := o.ttl
		if e, ok := val.(Expiring); ok {
			val = e.Value
			ttl = min(ttl, e.TTL)
		}
		payload, err := m.ser.Marshal(val)
		if err != nil {
			return nil, xerrors.Wrapf(err, "encode %s", k)
		}
		if ttl <= 0 || fl.stale.Load() {
			now := m.now().UnixNano()
			return fetched{env: &envelope{Payload: payload, Class: k.Class, InsertedAt: now, ExpiresAt: now}, loaded: true}, nil
		}
		env := m.store(fctx, k, p, skey, payload, ttl)
		if fl.stale.Load() {
			// 写回与失效交错，撤销本次写回
			m.remove(fctx, p, skey)
			m.publish(fctx, Invalidation{Key: skey})
		}
		return fetched{env: env, loaded: true}, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Entry{}, r.Err
		}
		f := r.Val.(fetched)
		if err := m.ser.Unmarshal(f.env.Payload, dest); err != nil {
			return Entry{}, xerrors.Wrapf(err, "decode fetched %s", k)
		}
		e := m.entry(k, f.tier, f.env)
		e.Loaded = f.loaded
		return e, nil
	}
}

func (m *Manager) beginFlight(skey string) *flight {
	fl := &flight{}
	m.flightsMu.Lock()
	defer m.flightsMu.Unlock()
	set, ok := m.flights[skey]
	if !ok {
		set = make(map[*flight]struct{})
		m.flights[skey] = set
	}
	set[fl] = struct{}{}
	return fl
}

func (m *Manager) endFlight(skey string, fl *flight) {
	m.flightsMu.Lock()
	defer m.flightsMu.Unlock()
	delete(m.flights[skey], fl)
	if len(m.flights[skey]) == 0 {
		delete(m.flights, skey)
	}
}

// markStale 标记 skey 上进行中的回源为过时，之后的 Fetch 不再加入这些回源
func (m *Manager) markStale(skey string) {
	m.flightsMu.Lock()
	defer m.flightsMu.Unlock()
	m.markLocked(skey)
}

func (m *Manager) markStaleMatch(prefix, glob string) {
	m.flightsMu.Lock()
	defer m.flightsMu.Unlock()
	for skey := range m.flights {
		if matchKey(skey, prefix, glob) {
			m.markLocked(skey)
		}
	}
}

func (m *Manager) markLocked(skey string) {
	set, ok := m.flights[skey]
	if !ok {
		return
	}
	for fl := range set {
		fl.stale.Store(true)
	}
	m.group.Forget(skey)
}

// GetOrFetch 是 Fetch 的泛型版本
func GetOrFetch[T any](ctx context.Context, m *Manager, k Key, load func(ctx context.Context) (T, error), opts ...SetOption) (T, error) {
	var out T
	_, err := m.Fetch(ctx, k, &out, func(ctx context.Context) (any, error) {
		return load(ctx)
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
