/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package log wraps logrus with the escrow daemon conventions: a process
// wide standard logger, structured fields and caller annotation on errors.
package log

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const modulePrefix = "github.com/CovenantSQL/escrow/"

const (
	// PanicLevel logs and then panics.
	PanicLevel logrus.Level = iota
	// FatalLevel logs and then calls os.Exit(1).
	FatalLevel
	// ErrorLevel is used for errors that should definitely be noted.
	ErrorLevel
	// WarnLevel is for non-critical entries that deserve eyes.
	WarnLevel
	// InfoLevel is for general operational entries.
	InfoLevel
	// DebugLevel is very verbose.
	DebugLevel
)

// Fields defines the field map to pass to `WithFields`.
type Fields logrus.Fields

// callerHook annotates error entries with the calling function, and fatal
// ones with the stack as well.
type callerHook struct{}

func (callerHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	if n == 0 {
		return nil
	}

	var (
		frames = runtime.CallersFrames(pcs[:n])
		trace  = entry.Level <= logrus.FatalLevel
		found  bool
		stack  []string
	)
	for {
		f, more := frames.Next()
		inLogger := strings.Contains(f.Function, "sirupsen/logrus") ||
			(strings.HasPrefix(f.Function, modulePrefix+"utils/log.") &&
				!strings.HasSuffix(f.File, "_test.go"))
		if !found && !inLogger {
			funcName := strings.TrimPrefix(f.Function, modulePrefix)
			entry.Data["caller"] = fmt.Sprintf("%s:%d %s", filepath.Base(f.File), f.Line, funcName)
			found = true
		}
		if found && trace && f.Line > 0 {
			stack = append(stack, fmt.Sprintf("#%d %s@%s:%d",
				len(stack), strings.TrimPrefix(f.Function, modulePrefix), filepath.Base(f.File), f.Line))
		}
		if !more || (found && !trace) {
			break
		}
	}
	if len(stack) > 0 {
		entry.Data["stack"] = stack
	}
	return nil
}

func init() {
	logrus.AddHook(callerHook{})
}

// SetOutput sets the standard logger output.
func SetOutput(out io.Writer) {
	logrus.SetOutput(out)
}

// SetFormatter sets the standard logger formatter.
func SetFormatter(formatter logrus.Formatter) {
	logrus.SetFormatter(formatter)
}

// SetLevel sets the standard logger level.
func SetLevel(level logrus.Level) {
	logrus.SetLevel(level)
}

// GetLevel returns the standard logger level.
func GetLevel() logrus.Level {
	return logrus.GetLevel()
}

// SetStringLevel parses lvl and falls back to defaultLevel on error.
func SetStringLevel(lvl string, defaultLevel logrus.Level) {
	if level, err := logrus.ParseLevel(lvl); err != nil {
		SetLevel(defaultLevel)
	} else {
		SetLevel(level)
	}
}

// WithError creates an entry carrying err under the logrus error key.
func WithError(err error) *Entry {
	return WithField(logrus.ErrorKey, err)
}

// WithField creates an entry from the standard logger with a single field.
func WithField(key string, value interface{}) *Entry {
	return (*Entry)(logrus.WithField(key, value))
}

// WithFields creates an entry from the standard logger with multiple fields.
func WithFields(fields Fields) *Entry {
	return (*Entry)(logrus.WithFields(logrus.Fields(fields)))
}

// Info logs at level Info on the standard logger.
func Info(args ...interface{}) {
	logrus.Info(args...)
}

// Infof logs at level Info on the standard logger.
func Infof(format string, args ...interface{}) {
	logrus.Infof(format, args...)
}

// Warning logs at level Warn on the standard logger.
func Warning(args ...interface{}) {
	logrus.Warning(args...)
}

// Error logs at level Error on the standard logger.
func Error(args ...interface{}) {
	logrus.Error(args...)
}
