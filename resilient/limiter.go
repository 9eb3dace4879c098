package resilient

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/ceyewan/mediacore/xerrors"
)

// limiters 按依赖的令牌桶，只在 New 时构建，之后只读
type limiters map[string]*rate.Limiter

func newLimiters(cfg map[string]Limit) limiters {
	if len(cfg) == 0 {
		return nil
	}
	l := make(limiters, len(cfg))
	for dep, lim := range cfg {
		l[dep] = rate.NewLimiter(rate.Limit(lim.Rate), lim.Burst)
	}
	return l
}

// wait 阻塞直到获得令牌。ctx 剩余时间不足以等到令牌时立即返回 ErrRateLimited。
func (l limiters) wait(ctx context.Context, dependency string) error {
	lim, ok := l[dependency]
	if !ok {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return xerrors.Join(ErrRateLimited, err)
	}
	return nil
}
