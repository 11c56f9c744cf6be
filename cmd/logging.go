// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/juju/ansiterm"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"github.com/mattn/go-isatty"
)

// Log rotation limits of the agent log file.
const (
	logFileMaxSizeMB  = 100
	logFileMaxBackups = 2
)

// Log supplies the logging flags of a SuperCommand and configures loggo
// from them.
type Log struct {
	// DefaultConfig is the logging config used when --logging-config is
	// not given, usually taken from the environment.
	DefaultConfig string

	Path    string
	Config  string
	Verbose bool
	Debug   bool
}

// AddFlags adds the logging flags to f.
func (l *Log) AddFlags(f *gnuflag.FlagSet) {
	f.StringVar(&l.Path, "log-file", "", "path to write log to, rotated once it grows")
	f.StringVar(&l.Config, "logging-config", l.DefaultConfig, "specify log levels for modules")
	f.BoolVar(&l.Verbose, "verbose", false, "show more verbose output")
	f.BoolVar(&l.Verbose, "v", false, "")
	f.BoolVar(&l.Debug, "debug", false, "equivalent to --logging-config=<root>=DEBUG")
}

// Start configures loggo: the levels from the flags, and the writer
// either a rotating log file or the context's stderr.
func (l *Log) Start(ctx *Context) error {
	config := l.Config
	switch {
	case l.Debug && config != "":
		config = "<root>=DEBUG;" + config
	case l.Debug:
		config = "<root>=DEBUG"
	case l.Verbose && config == "":
		config = "<root>=INFO"
	}
	if config != "" {
		if err := loggo.ConfigureLoggers(config); err != nil {
			return errors.Annotate(err, "configuring loggers")
		}
	}
	writer, err := l.writer(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = loggo.ReplaceDefaultWriter(writer)
	return errors.Trace(err)
}

func (l *Log) writer(ctx *Context) (loggo.Writer, error) {
	if l.Path != "" {
		path := ctx.AbsPath(l.Path)
		return loggo.NewSimpleWriter(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			Compress:   true,
		}, loggo.DefaultFormatter), nil
	}
	if IsTerminal(ctx.Stderr) {
		return newColorWriter(ctx.Stderr), nil
	}
	return loggo.NewSimpleWriter(ctx.Stderr, loggo.DefaultFormatter), nil
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd())
}

// SeverityColor is the colour of each log level on a terminal.
var SeverityColor = map[loggo.Level]*ansiterm.Context{
	loggo.TRACE:   ansiterm.Foreground(ansiterm.Default),
	loggo.DEBUG:   ansiterm.Foreground(ansiterm.Green),
	loggo.INFO:    ansiterm.Foreground(ansiterm.BrightBlue),
	loggo.WARNING: ansiterm.Foreground(ansiterm.Yellow),
	loggo.ERROR:   ansiterm.Foreground(ansiterm.BrightRed),
	loggo.CRITICAL: {
		Foreground: ansiterm.White,
		Background: ansiterm.Red,
	},
}

type colorWriter struct {
	writer *ansiterm.Writer
}

func newColorWriter(w io.Writer) *colorWriter {
	writer := ansiterm.NewWriter(w)
	writer.SetColorCapable(true)
	return &colorWriter{writer: writer}
}

// Write is part of the loggo.Writer interface.
func (w *colorWriter) Write(entry loggo.Entry) {
	ts := entry.Timestamp.Format("15:04:05")
	fmt.Fprintf(w.writer, "%s ", ts)
	if ctx, ok := SeverityColor[entry.Level]; ok {
		ctx.Fprintf(w.writer, "%s", entry.Level)
	} else {
		fmt.Fprint(w.writer, entry.Level)
	}
	fmt.Fprintf(w.writer, " %s %s\n", entry.Module, entry.Message)
}
