// Package media 是请求侧门面，串起缓存、调用器与会话：
//
//	请求 -> CacheManager 命中直接返回
//	     -> 未命中：单个 loader 经 ResilientInvoker 回源（熔断、重试、超时）
//	     -> 成功结果写回 CacheManager，所有并发等待者共享
//
// 需要身份的请求先经 SessionManager 校验会话，并按需透明刷新提供方凭证。
// 依赖不可用时返回 ErrTryAgain，调用方据此提示"稍后重试"而不是通用错误。
package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ceyewan/mediacore/cache"
	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/provider"
	"github.com/ceyewan/mediacore/resilient"
	"github.com/ceyewan/mediacore/retry"
	"github.com/ceyewan/mediacore/session"
	"github.com/ceyewan/mediacore/xerrors"
)

// DependencyCatalog 元数据存储的依赖标识
const DependencyCatalog = "catalog"

// streamMargin 播放地址在上游过期前提前失效的余量
const streamMargin = 10 * time.Second

// Service 请求侧门面，并发安全
type Service struct {
	sessions *session.Manager
	provider provider.Provider
	invoker  *resilient.Invoker
	cache    *cache.Manager
	catalog  Catalog
	logger   clog.Logger
	now      func() time.Time
}

// Option 配置选项函数
type Option func(*Service)

// WithLogger 注入日志记录器，自动添加 "media" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l.WithNamespace("media")
		}
	}
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建门面
func New(sessions *session.Manager, p provider.Provider, inv *resilient.Invoker, c *cache.Manager, catalog Catalog, opts ...Option) (*Service, error) {
	if sessions == nil || p == nil || inv == nil || c == nil || catalog == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "sessions, provider, invoker, cache and catalog are required")
	}
	s := &Service{
		sessions: sessions,
		provider: p,
		invoker:  inv,
		cache:    c,
		catalog:  catalog,
		logger:   clog.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ResolveStream 为会话解析 contentID 的播放地址。结果按 stream-url 类别缓存，
// 作用域内的重复请求不会再次调用提供方；缓存期限不超过上游给出的有效期。
func (s *Service) ResolveStream(ctx context.Context, token, contentID string) (provider.Stream, error) {
	if contentID == "" {
		return provider.Stream{}, xerrors.Wrap(ErrInvalidQuery, "content id is empty")
	}
	sess, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return provider.Stream{}, err
	}

	var stream provider.Stream
	_, err = s.cache.Fetch(ctx, cache.StreamURLKey(sess.UserID, sess.ID, contentID), &stream,
		func(ctx context.Context) (any, error) {
			st, err := s.resolve(ctx, token, contentID)
			if err != nil {
				return nil, err
			}
			return cache.Expiring{Value: st, TTL: st.ExpiresAt.Sub(s.now()) - streamMargin}, nil
		})
	if err != nil {
		return provider.Stream{}, s.mapErr(ctx, "resolve stream", err)
	}
	return stream, nil
}

// resolve 取凭证并调用提供方。提供方提前吊销访问凭证时刷新一次后重试。
func (s *Service) resolve(ctx context.Context, token, contentID string) (provider.Stream, error) {
	for attempt := 0; ; attempt++ {
		cred, err := s.sessions.Credential(ctx, token)
		if err != nil {
			return provider.Stream{}, err
		}
		st, err := resilient.Do(ctx, s.invoker, provider.DependencyStream, 0,
			func(ctx context.Context) (provider.Stream, error) {
				return s.provider.ResolveStream(ctx, cred.AccessToken, contentID)
			})
		if err == nil {
			return st, nil
		}
		if attempt > 0 || !errors.Is(err, provider.ErrAccessDenied) {
			return provider.Stream{}, err
		}
		s.logger.InfoContext(ctx, "provider rejected access token, refreshing", clog.String("content_id", contentID))
		if _, err := s.sessions.Refresh(ctx, token); err != nil {
			return provider.Stream{}, err
		}
	}
}

// Metadata 返回内容元数据，如 Metadata(ctx, "anime", "42")
func (s *Service) Metadata(ctx context.Context, kind, id string) (Item, error) {
	if kind == "" || id == "" {
		return Item{}, xerrors.Wrap(ErrInvalidQuery, "kind and id are required")
	}
	item, err := cache.GetOrFetch(ctx, s.cache, cache.MetadataKey(kind, id), func(ctx context.Context) (Item, error) {
		return resilient.Do(ctx, s.invoker, DependencyCatalog, 0, func(ctx context.Context) (Item, error) {
			return s.catalog.Lookup(ctx, kind, id)
		})
	})
	if err != nil {
		return Item{}, s.mapErr(ctx, "metadata", err)
	}
	return item, nil
}

// Episode 返回剧集元数据
func (s *Service) Episode(ctx context.Context, animeID string, number int) (Item, error) {
	if animeID == "" || number <= 0 {
		return Item{}, xerrors.Wrap(ErrInvalidQuery, "anime id and a positive episode number are required")
	}
	item, err := cache.GetOrFetch(ctx, s.cache, cache.EpisodeKey(animeID, number), func(ctx context.Context) (Item, error) {
		return resilient.Do(ctx, s.invoker, DependencyCatalog, 0, func(ctx context.Context) (Item, error) {
			return s.catalog.Episode(ctx, animeID, number)
		})
	})
	if err != nil {
		return Item{}, s.mapErr(ctx, "episode "+strconv.Itoa(number), err)
	}
	return item, nil
}

// Search 搜索内容。等价查询（大小写、空白不同）共享同一缓存条目。
func (s *Service) Search(ctx context.Context, query string) ([]Item, error) {
	if cache.NormalizeQuery(query) == "" {
		return nil, xerrors.Wrap(ErrInvalidQuery, "query is empty")
	}
	items, err := cache.GetOrFetch(ctx, s.cache, cache.SearchKey(query), func(ctx context.Context) ([]Item, error) {
		return resilient.Do(ctx, s.invoker, DependencyCatalog, 0, func(ctx context.Context) ([]Item, error) {
			return s.catalog.Search(ctx, query)
		})
	})
	if err != nil {
		return nil, s.mapErr(ctx, "search", err)
	}
	return items, nil
}

// InvalidateContent 内容更新后删除其元数据与全部剧集条目
func (s *Service) InvalidateContent(ctx context.Context, animeID string) error {
	if err := s.cache.Invalidate(ctx, cache.MetadataKey("anime", animeID)); err != nil {
		return err
	}
	n, err := s.cache.InvalidatePattern(ctx, cache.ClassMetadata, "", "episode:"+animeID+":*")
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "content invalidated", clog.String("anime_id", animeID), clog.Int("episodes", n))
	return nil
}

// mapErr 把依赖失败映射为面向用户的错误，会话错误原样返回
func (s *Service) mapErr(ctx context.Context, op string, err error) error {
	var re *resilient.Error
	switch {
	case errors.Is(err, session.ErrProviderUnavailable):
		return fmt.Errorf("%w: %w", ErrTryAgain, err)
	case errors.Is(err, ErrNotFound), errors.Is(err, provider.ErrContentNotFound):
		return xerrors.Wrap(ErrNotFound, op)
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionExpired):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(err, &re) && re.Class != retry.Permanent:
		s.logger.WarnContext(ctx, "dependency unavailable",
			clog.String("op", op),
			clog.String("dependency", re.Dependency),
			clog.Bool("circuit_open", resilient.IsCircuitOpen(err)),
			clog.ErrorWithCode(err, re.Class.Code()))
		return fmt.Errorf("%w: %w", ErrTryAgain, err)
	default:
		return err
	}
}
