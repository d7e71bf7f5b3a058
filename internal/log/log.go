// Package log provides logging utilities.
package log

//go:generate errtrace -w .

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"

	"github.com/voipkit/siptx/internal/errorutil"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(c net.PacketConn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.String("ptr", fmt.Sprintf("%p", c)),
			slog.Any("local_addr", c.LocalAddr()),
		)
	}),
	slogformatter.FormatByType(func(addr netip.AddrPort) slog.Value {
		if !addr.IsValid() {
			return slog.StringValue("")
		}
		return slog.StringValue(addr.String())
	}),
)

// Format is a log output format.
type Format string

const (
	// FormatConsole is a human-readable single-line format.
	FormatConsole Format = "console"
	// FormatDev is a verbose multi-line format for development.
	FormatDev Format = "dev"
	// FormatJSON is a JSON lines format.
	FormatJSON Format = "json"
)

// ErrUnknownFormat is returned by [New] for unsupported formats.
const ErrUnknownFormat errorutil.Error = "unknown log format"

// New builds a logger writing to w in the given format with the given level.
func New(w io.Writer, format Format, level slog.Leveler) (*slog.Logger, error) {
	var h slog.Handler
	switch Format(strings.ToLower(string(format))) {
	case FormatConsole, "":
		h = console.NewHandler(w, &console.HandlerOptions{
			AddSource:  true,
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatDev:
		h = devslog.NewHandler(w, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: true,
				Level:     level,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnknownFormat, "%q", format))
	}
	return slog.New(newHandler(h)), nil
}

// ParseLevel parses a level name such as "debug" or "warn".
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
	}
	return lvl, nil
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a noop logger.
var Noop = slog.New(noopHandler{})

var defLogger atomic.Pointer[slog.Logger]

func init() { defLogger.Store(Noop) }

// Default returns the logger used by components created without an explicit logger.
// It is [Noop] until [SetDefault] is called.
func Default() *slog.Logger { return defLogger.Load() }

// SetDefault replaces the logger returned by [Default].
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = Noop
	}
	defLogger.Store(l)
}
