// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	charmlog "github.com/charmbracelet/log"
	"github.com/docker/go-units"
	"github.com/mattn/go-isatty"

)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var colorOutput = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

func paint(style lipgloss.Style, s string) string {
	if !colorOutput {
		return s
	}
	return style.Render(s)
}

func stateLabel(s string) string {
	switch strings.ToLower(s) {
	case "online", "booted", "ready":
		return paint(okStyle, s)
	case "offline", "stopped":
		return paint(badStyle, s)
	case "shutdown":
		return paint(dimStyle, s)
	default:
		return paint(warnStyle, s)
	}
}

func since(start time.Time) string {
	return units.HumanDuration(time.Since(start))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func lastOutputLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func success(format string, args ...any) {
	fmt.Println(paint(okStyle, fmt.Sprintf(format, args...)))
}

// newLogger builds the harness logger. "text" is the human-readable handler
// for terminals; "json" matches what library users get by default.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	switch format {
	case "json":
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("--log-level: %w", err)
		}
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "text", "":
		lvl, err := charmlog.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("--log-level: %w", err)
		}
		handler := charmlog.NewWithOptions(w, charmlog.Options{
			Level:           lvl,
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
		})
		return slog.New(handler), nil
	}
	return nil, fmt.Errorf("unknown --log-format %q (text, json)", format)
}
