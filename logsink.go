// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package secmalloc

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// envOutput is the single recognized environment variable (§6). Unset
// disables logging; "stdout" routes to stdout; anything else is a
// filesystem path opened for truncation, falling back to stderr on failure.
const envOutput = "MSM_OUTPUT"

// logSink is the contract the allocator core expects of its logging
// collaborator (§1, §6): level-tagged, formatted records written to a
// configured destination. It is deliberately narrow so the hot allocate/
// free path never has to know it is talking to zap.
type logSink interface {
	infof(format string, args ...interface{})
	warnf(format string, args ...interface{})
	errorf(format string, args ...interface{})
	sync()
}

// recordEncoder renders one log record as "<pid> [<LEVEL>] <message>\n",
// the exact wire format spec.md §6 makes test-observable. It implements
// zapcore.Encoder directly rather than configuring zapcore's stock JSON or
// console encoders, because neither can be coaxed into this literal shape.
// It never receives structured fields (callers only ever format a message),
// so every ObjectEncoder method below is a deliberate no-op.
type recordEncoder struct {
	pid int
}

func newRecordEncoder() *recordEncoder {
	return &recordEncoder{pid: os.Getpid()}
}

func (e *recordEncoder) Clone() zapcore.Encoder { return &recordEncoder{pid: e.pid} }

func (e *recordEncoder) EncodeEntry(entry zapcore.Entry, _ []zapcore.Field) (*buffer.Buffer, error) {
	buf := buffer.NewPool().Get()
	fmt.Fprintf(buf, "%d [%s] %s\n", e.pid, levelName(entry.Level), entry.Message)
	return buf, nil
}

func levelName(lvl zapcore.Level) string {
	switch lvl {
	case zapcore.WarnLevel:
		return "WARN"
	case zapcore.ErrorLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (e *recordEncoder) AddArray(string, zapcore.ArrayMarshaler) error   { return nil }
func (e *recordEncoder) AddObject(string, zapcore.ObjectMarshaler) error { return nil }
func (e *recordEncoder) AddBinary(string, []byte)                       {}
func (e *recordEncoder) AddByteString(string, []byte)                   {}
func (e *recordEncoder) AddBool(string, bool)                           {}
func (e *recordEncoder) AddComplex128(string, complex128)               {}
func (e *recordEncoder) AddComplex64(string, complex64)                 {}
func (e *recordEncoder) AddDuration(string, time.Duration)              {}
func (e *recordEncoder) AddFloat64(string, float64)                     {}
func (e *recordEncoder) AddFloat32(string, float32)                     {}
func (e *recordEncoder) AddInt(string, int)                             {}
func (e *recordEncoder) AddInt64(string, int64)                         {}
func (e *recordEncoder) AddInt32(string, int32)                         {}
func (e *recordEncoder) AddInt16(string, int16)                         {}
func (e *recordEncoder) AddInt8(string, int8)                           {}
func (e *recordEncoder) AddReflected(string, interface{}) error         { return nil }
func (e *recordEncoder) OpenNamespace(string)                           {}
func (e *recordEncoder) AddString(string, string)                       {}
func (e *recordEncoder) AddTime(string, time.Time)                      {}
func (e *recordEncoder) AddUint(string, uint)                           {}
func (e *recordEncoder) AddUint64(string, uint64)                       {}
func (e *recordEncoder) AddUint32(string, uint32)                       {}
func (e *recordEncoder) AddUint16(string, uint16)                       {}
func (e *recordEncoder) AddUint8(string, uint8)                         {}
func (e *recordEncoder) AddUintptr(string, uintptr)                     {}

// zapSink is the default logSink, backed by a zap.Logger whose single core
// uses recordEncoder and a destination resolved from MSM_OUTPUT.
type zapSink struct {
	logger *zap.Logger
}

// newLogSink resolves MSM_OUTPUT and builds the sink (§6). An open failure
// degrades to stderr plus one self-reported error record rather than
// aborting init, since the allocator must still come up to serve
// allocations even when its diagnostic channel is misconfigured.
func newLogSink() *zapSink {
	raw, set := os.LookupEnv(envOutput)
	if !set {
		return &zapSink{logger: zap.NewNop()}
	}

	ws, openErr := resolveDestination(raw)
	core := zapcore.NewCore(newRecordEncoder(), ws, zapcore.InfoLevel)
	logger := zap.New(core)
	if openErr != nil {
		logger.Error(fmt.Sprintf("init_logging - could not open %q, falling back to stderr: %v", raw, openErr))
	}
	return &zapSink{logger: logger}
}

// resolveDestination implements the MSM_OUTPUT table from §6.
func resolveDestination(raw string) (zapcore.WriteSyncer, error) {
	if raw == "stdout" {
		return zapcore.AddSync(os.Stdout), nil
	}

	f, err := os.Create(raw)
	if err != nil {
		return zapcore.AddSync(os.Stderr), err
	}
	return zapcore.AddSync(f), nil
}

func (s *zapSink) infof(format string, args ...interface{}) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

func (s *zapSink) warnf(format string, args ...interface{}) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}

func (s *zapSink) errorf(format string, args ...interface{}) {
	s.logger.Error(fmt.Sprintf(format, args...))
}

func (s *zapSink) sync() {
	_ = s.logger.Sync()
}
