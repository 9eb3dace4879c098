package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ceyewan/mediacore/clog"
	"github.com/ceyewan/mediacore/xerrors"
)

// ErrValidationFailed 配置为空或校验失败
var ErrValidationFailed = xerrors.New("config: validation failed")

type loader struct {
	v      *viper.Viper
	cfg    *Config
	logger clog.Logger

	mu        sync.Mutex
	watches   map[string][]chan Event
	oldValues map[string]any
}

func newLoader(cfg *Config, o *options) *loader {
	return &loader{
		v:         viper.New(),
		cfg:       cfg,
		logger:    o.logger,
		watches:   make(map[string][]chan Event),
		oldValues: make(map[string]any),
	}
}

func (l *loader) Load(_ context.Context) error {
	l.v.SetConfigName(l.cfg.Name)
	l.v.SetConfigType(l.cfg.FileType)
	for _, p := range l.cfg.Paths {
		l.v.AddConfigPath(p)
	}

	l.v.SetEnvPrefix(l.cfg.EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.loadDotEnv()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return xerrors.Wrapf(err, "config: read %s", l.cfg.Name)
		}
		l.logger.Warn("no configuration file found", clog.String("name", l.cfg.Name))
	}

	if err := l.mergeEnvironment(); err != nil {
		return err
	}
	if err := l.Validate(); err != nil {
		return err
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if err := l.mergeEnvironment(); err != nil {
			l.logger.Error("reload environment config failed", clog.Error(err))
		}
		l.notify(e)
	})
	l.v.WatchConfig()
	return nil
}

// loadDotEnv godotenv 不覆盖已存在的环境变量，因此真实环境变量优先。
func (l *loader) loadDotEnv() {
	files := []string{".env"}
	for _, p := range l.cfg.Paths {
		files = append(files, filepath.Join(p, ".env"))
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			l.logger.Warn("load .env failed", clog.String("file", f), clog.Error(err))
		}
	}
}

func (l *loader) mergeEnvironment() error {
	env := os.Getenv(l.cfg.EnvPrefix + "_ENV")
	if env == "" {
		return nil
	}

	name := fmt.Sprintf("%s.%s", l.cfg.Name, env)
	l.v.SetConfigName(name)
	defer l.v.SetConfigName(l.cfg.Name)

	if err := l.v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return xerrors.Wrapf(err, "config: merge %s", name)
		}
		l.logger.Info("no environment configuration", clog.String("env", env))
		return nil
	}
	l.logger.Info("environment configuration merged", clog.String("env", env))
	return nil
}

func (l *loader) Get(key string) any {
	return l.v.Get(key)
}

func (l *loader) Unmarshal(v any) error {
	return l.v.Unmarshal(v)
}

func (l *loader) UnmarshalKey(key string, v any) error {
	return l.v.UnmarshalKey(key, v)
}

func (l *loader) Validate() error {
	if len(l.v.AllSettings()) == 0 {
		return xerrors.Wrap(ErrValidationFailed, "configuration is empty")
	}
	return nil
}

func (l *loader) Watch(ctx context.Context, key string) (<-chan Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan Event, 8)
	l.watches[key] = append(l.watches[key], ch)
	l.oldValues[key] = l.v.Get(key)

	go func() {
		<-ctx.Done()
		l.unwatch(key, ch)
	}()
	return ch, nil
}

func (l *loader) unwatch(key string, ch chan Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chans := l.watches[key]
	for i, c := range chans {
		if c == ch {
			l.watches[key] = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}
	if len(l.watches[key]) == 0 {
		delete(l.watches, key)
		delete(l.oldValues, key)
	}
}

func (l *loader) notify(_ fsnotify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, chans := range l.watches {
		newValue := l.v.Get(key)
		oldValue := l.oldValues[key]
		if reflect.DeepEqual(oldValue, newValue) {
			continue
		}
		l.oldValues[key] = newValue

		ev := Event{Key: key, Value: newValue, OldValue: oldValue, Source: "file", Timestamp: time.Now()}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
				l.logger.Warn("watch channel full, event dropped", clog.String("key", key))
			}
		}
	}
}
