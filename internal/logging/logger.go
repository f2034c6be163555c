package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Uttam-Singhh/TikShot/internal/config"
)

var handlerFormats = map[string]func(io.Writer, *slog.HandlerOptions) slog.Handler{
	"text": func(w io.Writer, opts *slog.HandlerOptions) slog.Handler { return slog.NewTextHandler(w, opts) },
	"json": func(w io.Writer, opts *slog.HandlerOptions) slog.Handler { return slog.NewJSONHandler(w, opts) },
}

// New builds the service logger described by cfg. Every record carries the
// service name. The returned close func releases the log file, if any.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	out, err := openSinks(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	handler, err := newHandler(out.writer(), cfg.Format, level)
	if err != nil {
		_ = out.Close()
		return nil, nil, err
	}
	return slog.New(handler).With("service", serviceName), out.Close, nil
}

// Bootstrap is the console logger used before configuration is loaded.
func Bootstrap() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func newHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "text"
	}
	build, ok := handlerFormats[format]
	if !ok {
		return nil, fmt.Errorf("invalid log format %q (expected text or json)", format)
	}
	return build(w, &slog.HandlerOptions{Level: level, ReplaceAttr: compactDurations}), nil
}

// compactDurations renders phase sleeps and timeouts as "1m55s" instead of
// nanosecond integers.
func compactDurations(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindDuration {
		attr.Value = slog.StringValue(attr.Value.Duration().Round(time.Millisecond).String())
	}
	return attr
}

// sinks is the set of destinations one logger writes to.
type sinks struct {
	console bool
	file    *os.File
}

// openSinks accepts "console", "file", "both", or a comma separated mix of
// console and file.
func openSinks(serviceName string, cfg config.LogConfig) (*sinks, error) {
	output := strings.ToLower(strings.TrimSpace(cfg.Output))
	switch output {
	case "":
		output = "console"
	case "both":
		output = "console,file"
	}

	s := &sinks{}
	for _, name := range strings.Split(output, ",") {
		switch strings.TrimSpace(name) {
		case "console":
			s.console = true
		case "file":
			if s.file != nil {
				continue
			}
			file, err := openLogFile(serviceName, cfg.FilePath)
			if err != nil {
				return nil, err
			}
			s.file = file
		default:
			_ = s.Close()
			return nil, fmt.Errorf("invalid log output %q (expected console, file or both)", cfg.Output)
		}
	}
	return s, nil
}

func (s *sinks) writer() io.Writer {
	switch {
	case s.console && s.file != nil:
		return io.MultiWriter(os.Stdout, s.file)
	case s.file != nil:
		return s.file
	default:
		return os.Stdout
	}
}

func (s *sinks) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func openLogFile(serviceName, path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join(".docker", serviceName, serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return file, nil
}

// parseLevel accepts slog level names (case-insensitive, with offsets such as
// "info+2") plus "warning". Blank means info.
func parseLevel(raw string) (slog.Level, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn or error)", raw)
	}
	return level, nil
}
