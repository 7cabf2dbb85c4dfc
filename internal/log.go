package internal

import (
	"context"
	"encoding/binary"
	"log/slog"
)

// LevelTrace is used for per-packet logging, below DEBUG.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogEnabled reports whether l would emit a record at lvl. A nil logger is disabled.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs is the single funnel used by all package loggers.
// It is a no-op for a nil logger.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

// SlogAddr4 returns a slog.Attr for a 4-byte IPv4 address
// packed into a uint64 without allocating a string.
func SlogAddr4(key string, addr *[4]byte) slog.Attr {
	return slog.Uint64(key, uint64(binary.BigEndian.Uint32(addr[:])))
}

// SlogMAC returns a slog.Attr for a 6-byte hardware address
// packed into a uint64 without allocating a string.
func SlogMAC(key string, addr *[6]byte) slog.Attr {
	var buf [8]byte
	copy(buf[2:], addr[:])
	return slog.Uint64(key, binary.BigEndian.Uint64(buf[:]))
}

// Logger is embedded by stack components. The zero value discards everything.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) Error(msg string, attrs ...slog.Attr) {
	LogAttrs(l.Log, slog.LevelError, msg, attrs...)
}

func (l Logger) Warn(msg string, attrs ...slog.Attr) {
	LogAttrs(l.Log, slog.LevelWarn, msg, attrs...)
}

func (l Logger) Info(msg string, attrs ...slog.Attr) {
	LogAttrs(l.Log, slog.LevelInfo, msg, attrs...)
}

func (l Logger) Debug(msg string, attrs ...slog.Attr) {
	LogAttrs(l.Log, slog.LevelDebug, msg, attrs...)
}

func (l Logger) Trace(msg string, attrs ...slog.Attr) {
	LogAttrs(l.Log, LevelTrace, msg, attrs...)
}

// Enabled reports whether records of level lvl are emitted.
func (l Logger) Enabled(lvl slog.Level) bool { return LogEnabled(l.Log, lvl) }
