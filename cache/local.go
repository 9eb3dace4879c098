package cache

import (
	"path"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"

	"github.com/ceyewan/mediacore/xerrors"
)

// envelope 两层共用的存储格式。Payload 为序列化后的值，
// 本地层也存字节而非对象，调用方拿到的总是独立副本。
type envelope struct {
	Payload    []byte `json:"p" msgpack:"p"`
	Class      string `json:"c" msgpack:"c"`
	Owner      string `json:"o,omitempty" msgpack:"o,omitempty"`
	Session    string `json:"s,omitempty" msgpack:"s,omitempty"`
	InsertedAt int64  `json:"i" msgpack:"i"` // UnixNano
	ExpiresAt  int64  `json:"e" msgpack:"e"` // UnixNano
}

func (e *envelope) expired(now time.Time) bool {
	return now.UnixNano() >= e.ExpiresAt
}

func (e *envelope) remaining(now time.Time) time.Duration {
	return time.Duration(e.ExpiresAt - now.UnixNano())
}

// ownedBy 条目归属校验，防止不同身份读到彼此的条目
func (e *envelope) ownedBy(k Key, scope Scope) bool {
	switch scope {
	case ScopeGlobal:
		return e.Owner == ""
	case ScopeUser:
		return e.Owner == k.Owner
	default:
		return e.Owner == k.Owner && e.Session == k.Session
	}
}

// maxLocalTTL 未指定过期时间时的兜底值，真正的 TTL 在 set 时通过 SetExpiresAfter 覆盖
const maxLocalTTL = 24 * time.Hour

// localTier 基于 otter 的进程内缓存，容量受限，超出后按访问频率与最近使用淘汰
type localTier struct {
	cache *otter.Cache[string, *envelope]
}

func newLocalTier(capacity int) (*localTier, error) {
	c, err := otter.New(&otter.Options[string, *envelope]{
		MaximumSize:   capacity,
		StatsRecorder: stats.NewCounter(),
		// 写入过期，读取不续期，与 Redis TTL 语义一致
		ExpiryCalculator: otter.ExpiryWriting[string, *envelope](maxLocalTTL),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "build otter cache")
	}
	return &localTier{cache: c}, nil
}

func (l *localTier) get(key string) (*envelope, bool) {
	return l.cache.GetIfPresent(key)
}

func (l *localTier) set(key string, env *envelope, ttl time.Duration) {
	l.cache.Set(key, env)
	if ttl > 0 {
		l.cache.SetExpiresAfter(key, ttl)
	}
}

func (l *localTier) invalidate(key string) bool {
	_, ok := l.cache.Invalidate(key)
	return ok
}

// invalidateMatch 删除 prefix 开头且剩余部分匹配 glob 的键，返回被删除的键
func (l *localTier) invalidateMatch(prefix, glob string) []string {
	var matched []string
	for key := range l.cache.All() {
		if matchKey(key, prefix, glob) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		l.cache.Invalidate(key)
	}
	return matched
}

// matchKey key 以 prefix 开头且剩余部分匹配 glob
func matchKey(key, prefix, glob string) bool {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return false
	}
	ok, _ = path.Match(glob, rest)
	return ok
}

func (l *localTier) size() int {
	return l.cache.EstimatedSize()
}
