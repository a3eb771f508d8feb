// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

var harnessLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// SetLogger replaces the package logger (the CLI installs a text handler here).
func SetLogger(l *slog.Logger) {
	if l != nil {
		harnessLogger = l
	}
}

// CommandLogLevel controls how much of each external command is recorded.
type CommandLogLevel int

const (
	LogCommandOnly CommandLogLevel = iota
	LogFull
	LogSilent
)

func (l CommandLogLevel) String() string {
	switch l {
	case LogFull:
		return "full"
	case LogSilent:
		return "silent"
	default:
		return "command"
	}
}

func ParseCommandLogLevel(s string) (CommandLogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "command", "command-only", "command_only":
		return LogCommandOnly, nil
	case "full":
		return LogFull, nil
	case "silent", "none":
		return LogSilent, nil
	}
	return LogCommandOnly, fmt.Errorf("unknown command log level %q (full, command, silent)", s)
}

func logEvent(env Env, message string, fields ...any) {
	baseFields := []any{"timestamp_ns", time.Now().UTC().UnixNano()}
	if env.CorrelationID != "" {
		baseFields = append(baseFields, "correlation_id", env.CorrelationID)
	}
	allFields := append(baseFields, fields...)
	harnessLogger.Info(message, allFields...)
	emitOTelLog(env, message, allFields)
}

func emitOTelLog(env Env, message string, fields []any) {
	var rec otellog.Record
	rec.SetTimestamp(time.Now())
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue(message))
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		rec.AddAttributes(otellog.String(key, fmt.Sprint(fields[i+1])))
	}
	global.GetLoggerProvider().Logger("devharness").Emit(spanContext(env), rec)
}

// logCommand records one external invocation at the requested verbosity.
func logCommand(env Env, level CommandLogLevel, c Command) {
	switch level {
	case LogSilent:
		return
	case LogFull:
		logEvent(env, "command", "command", c.Name, "args", strings.Join(c.Args, " "))
	default:
		logEvent(env, "command", "command", c.Name)
	}
}

type lineLogWriter struct {
	env    Env
	fields []any
	buffer []byte
	msg    string
}

func (writer *lineLogWriter) Write(payload []byte) (int, error) {
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line != "" {
			logEvent(writer.env, writer.msg, append(writer.fields, "line", line)...)
		}
	}
	return len(payload), nil
}

func newLineLogWriterWithMessage(env Env, message string, fields ...any) io.Writer {
	return &lineLogWriter{
		env:    env,
		fields: fields,
		msg:    message,
	}
}
