package bootstrap

import (
	"context"
	"fmt"

	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/config"
)

// LogLevelKey 热更新日志级别所监听的配置键
const LogLevelKey = "log.level"

// WatchLogLevel 监听 log.level 的变化并应用到 logger，ctx 取消后停止。
// 无法解析的级别只记录警告，保留当前级别。
func WatchLogLevel(ctx context.Context, loader config.Loader, logger clog.Logger) error {
	ch, err := loader.Watch(ctx, LogLevelKey)
	if err != nil {
		return err
	}
	go func() {
		for ev := range ch {
			applyLevel(logger, ev)
		}
	}()
	return nil
}

func applyLevel(logger clog.Logger, ev config.Event) {
	raw := fmt.Sprint(ev.Value)
	level, err := clog.ParseLevel(raw)
	if err != nil {
		logger.Warn("ignoring invalid log level", clog.String("level", raw), clog.Error(err))
		return
	}
	if err := logger.SetLevel(level); err != nil {
		logger.Warn("set log level failed", clog.Error(err))
		return
	}
	logger.Info("log level changed", clog.Any("from", ev.OldValue), clog.String("to", level.String()))
}
