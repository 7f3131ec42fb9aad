package debuglog

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	debugOn atomic.Bool

	rlMu    sync.Mutex
	rlClock clock.Clock = clock.New()
	rlLast              = make(map[string]time.Time)
	rlSweep time.Time
)

func init() {
	if os.Getenv("VOTIFIER_DEBUG") == "1" {
		SetDebug(true)
	}
}

func newDefault() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base = newDefault()
	}
	return base
}

// SetLogger replaces the process logger and returns a func restoring the
// previous one.
func SetLogger(l *zap.Logger) func() {
	mu.Lock()
	prev := base
	base = l
	mu.Unlock()
	return func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	}
}

func SetDebug(on bool) {
	debugOn.Store(on)
	if on {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}
}

func Enabled() bool {
	return debugOn.Load()
}

// Level is shared with loggers built by the daemon so SetDebug affects them.
func Level() zap.AtomicLevel {
	return level
}

func Logf(format string, args ...any) {
	L().Info(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	L().Debug(fmt.Sprintf(format, args...))
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !Enabled() || key == "" {
		return
	}
	rlMu.Lock()
	now := rlClock.Now()
	last, seen := rlLast[key]
	if seen && now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	L().Debug(fmt.Sprintf(format, args...), zap.String("ratelimit", key))
}

// SetClock swaps the clock used by RateLimitedf.
func SetClock(c clock.Clock) func() {
	rlMu.Lock()
	prev := rlClock
	rlClock = c
	rlLast = make(map[string]time.Time)
	rlMu.Unlock()
	return func() {
		rlMu.Lock()
		rlClock = prev
		rlMu.Unlock()
	}
}
