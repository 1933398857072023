// Package mlog provides logging on top of log/slog, with log levels per
// originating package, e.g. smtp, message, mimecvt.
//
// Each log level has a function to log with and without error. Logged strings
// should be constant, variable data belongs in attributes. This makes it easy
// to process the logs, e.g. to build metrics from them.
//
// The log levels are configured per package with SetConfig. The configuration
// is application-global, each Log instance uses the same levels.
package mlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Extra levels, beyond the slog levels. Trace levels are lower than Debug so
// they are only enabled explicitly.
const (
	LevelTracedata = slog.LevelDebug - 8 // Full data exchanges, e.g. message contents.
	LevelTraceauth = slog.LevelDebug - 6 // Transcripts including credentials.
	LevelTrace     = slog.LevelDebug - 4 // Protocol transcripts.
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelWarn      = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4 // Printed regardless of configured level.
	LevelPrint     = slog.LevelError + 8 // Printed regardless of configured level.
)

// Levels maps the names as used in configuration files to levels.
var Levels = map[string]slog.Level{
	"tracedata": LevelTracedata,
	"traceauth": LevelTraceauth,
	"trace":     LevelTrace,
	"debug":     LevelDebug,
	"info":      LevelInfo,
	"warn":      LevelWarn,
	"error":     LevelError,
	"fatal":     LevelFatal,
	"print":     LevelPrint,
}

// LevelStrings is the reverse of Levels.
var LevelStrings = map[slog.Level]string{
	LevelTracedata: "tracedata",
	LevelTraceauth: "traceauth",
	LevelTrace:     "trace",
	LevelDebug:     "debug",
	LevelInfo:      "info",
	LevelWarn:      "warn",
	LevelError:     "error",
	LevelFatal:     "fatal",
	LevelPrint:     "print",
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Value

// Logfmt makes the default handler write logfmt lines instead of the more
// human readable format.
var Logfmt bool

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for
// logging. A cid identifies a connection or queue run.
var CidKey key = "cid"

// Log wraps a slog.Logger, adding level checks per package and helpers for
// logging errors.
type Log struct {
	*slog.Logger
	pkg string
}

// New returns a Log for package pkg. If elog is non-nil, it is used as
// underlying logger (e.g. from a caller that already added attributes),
// otherwise the default handler writing to stderr is used.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(&handler{w: os.Stderr})
	}
	return Log{elog.With(slog.String("pkg", pkg)), pkg}
}

// WithCid adds attribute "cid".
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Contexts are passed between
// packages, so at the start of exported functions a log is typically derived
// from the package-level log with WithContext.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes to each line logged through the returned Log.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...), l.pkg}
}

// Enabled returns whether logging at level is enabled for this package.
func (l Log) Enabled(level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	cl := config.Load().(map[string]slog.Level)
	if v, ok := cl[l.pkg]; ok {
		return level >= v
	}
	v, ok := cl[""]
	return ok && level >= v
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if !l.Enabled(level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.String("err", err.Error())}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.logx(LevelDebug, nil, msg, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.logx(LevelInfo, nil, msg, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.logx(LevelError, nil, msg, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, err, msg, attrs...)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.logx(LevelPrint, nil, msg, attrs...) }

// Check logs err at error level if err is non-nil. Convenient for deferred
// Close calls.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs data at a trace level, with prefix. Used for protocol and data
// transcripts. For LevelTraceauth and LevelTracedata, the data is replaced with
// a placeholder if only LevelTrace is enabled.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if !l.Enabled(level) {
		if level < LevelTrace && l.Enabled(LevelTrace) {
			placeholder := "***"
			if level == LevelTracedata {
				placeholder = "..."
			}
			l.Logger.LogAttrs(context.Background(), LevelTrace, prefix+placeholder)
		}
		return
	}
	l.Logger.LogAttrs(context.Background(), LevelTrace, prefix+string(data))
}

// handler is the default slog.Handler, writing single lines to w. Level
// filtering is done by Log, so the handler accepts everything.
type handler struct {
	w     io.Writer
	attrs []slog.Attr
	group string
}

var writeMutex sync.Mutex

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	nh := *h
	if nh.group != "" {
		name = nh.group + "." + name
	}
	nh.group = name
	return &nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	// Build up a buffer so we can do a single write. Otherwise partial log lines
	// may interleave.
	b := &bytes.Buffer{}
	level, ok := LevelStrings[r.Level]
	if !ok {
		level = r.Level.String()
	}
	if Logfmt {
		fmt.Fprintf(b, "t=%s l=%s m=%s", r.Time.Format(time.RFC3339Nano), level, logfmtValue(r.Message))
	} else {
		fmt.Fprintf(b, "%s: %s", level, logfmtValue(r.Message))
	}
	n := 0
	add := func(a slog.Attr) bool {
		k := a.Key
		if h.group != "" {
			k = h.group + "." + k
		}
		v := logfmtValue(stringValue(a.Value))
		if Logfmt {
			fmt.Fprintf(b, " %s=%s", k, v)
		} else {
			if n == 0 {
				b.WriteString(" (")
			} else {
				b.WriteString("; ")
			}
			fmt.Fprintf(b, "%s: %s", k, v)
		}
		n++
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)
	if !Logfmt && n > 0 {
		b.WriteString(")")
	}
	b.WriteString("\n")

	writeMutex.Lock()
	defer writeMutex.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

func stringValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindGroup:
		var l []string
		for _, a := range v.Group() {
			l = append(l, a.Key+"="+stringValue(a.Value))
		}
		return "[" + strings.Join(l, " ") + "]"
	}
	return v.String()
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}
