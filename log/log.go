// Package log provides the contextual, leveled logger used throughout conode.
//
// The API intentionally mirrors the log15-derived logger carried by
// go-ethereum-family nodes: callers pass a message plus alternating
// key/value pairs, and loggers are tagged per subsystem via NewModuleLogger.
package log

import (
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelColors = map[zapcore.Level]*color.Color{
	zapcore.DebugLevel: color.New(color.FgHiBlack),
	zapcore.InfoLevel:  color.New(color.FgGreen),
	zapcore.WarnLevel:  color.New(color.FgYellow),
	zapcore.ErrorLevel: color.New(color.FgRed),
}

func colorLevelEncoder(lvl zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	c, ok := levelColors[lvl]
	if !ok {
		enc.AppendString(lvl.CapitalString())
		return
	}
	enc.AppendString(c.Sprint(lvl.CapitalString()))
}

// Module names used by NewModuleLogger across the core subsystems.
const (
	P2PNode      = "p2p/node"
	P2PConn      = "p2p/conn"
	P2PFrame     = "p2p/frame"
	P2PDedup     = "p2p/dedup"
	P2PBucket    = "p2p/bucket"
	P2PRouter    = "p2p/router"
	P2PCatchup   = "p2p/catchup"
	P2PBootstrap = "p2p/bootstrap"
	P2PBan       = "p2p/ban"
	P2PDump      = "p2p/dump"
	Config       = "config"
	Common       = "common"
	CMDConode    = "cmd/conode"
)

// Logger is implemented by every logger returned from this package.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
}

var (
	baseOnce sync.Once
	base     *zap.Logger
	rootMu   sync.Mutex
	level    = zapcore.InfoLevel
)

func initBase() {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "t",
		LevelKey:       "lvl",
		NameKey:        "mod",
		MessageKey:     "msg",
		CallerKey:      "caller",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    colorLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(colorable.NewColorableStdout()),
		zap.NewAtomicLevelAt(level),
	)
	base = zap.New(core)
}

// SetLevel adjusts the minimum level logged process-wide.
func SetLevel(lvl string) {
	rootMu.Lock()
	defer rootMu.Unlock()
	switch lvl {
	case "trace", "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}
	baseOnce = sync.Once{}
}

func rootLogger() *zap.Logger {
	baseOnce.Do(initBase)
	return base
}

type logger struct {
	module string
	ctx    []interface{}
}

// NewModuleLogger returns a Logger tagged with the given subsystem name.
func NewModuleLogger(module string) Logger {
	return &logger{module: module}
}

// New derives a child logger carrying the given extra key/value context.
func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{module: l.module, ctx: merged}
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(zapcore.DebugLevel, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(zapcore.DebugLevel, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(zapcore.InfoLevel, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(zapcore.WarnLevel, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(zapcore.ErrorLevel, msg, ctx) }

func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.write(zapcore.ErrorLevel, msg, ctx)
	os.Exit(1)
}

func (l *logger) write(lvl zapcore.Level, msg string, ctx []interface{}) {
	root := rootLogger()
	if ce := root.Check(lvl, msg); ce != nil {
		fields := make([]zap.Field, 0, len(l.ctx)/2+len(ctx)/2+1)
		fields = append(fields, zap.String("component", l.module))
		fields = append(fields, kvFields(l.ctx)...)
		fields = append(fields, kvFields(ctx)...)
		if lvl >= zapcore.ErrorLevel {
			fields = append(fields, zap.String("caller", callerInfo()))
		}
		ce.Write(fields...)
	}
}

func kvFields(ctx []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		key, ok := ctx[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", ctx[i])
		}
		fields = append(fields, zap.Any(key, ctx[i+1]))
	}
	return fields
}

func callerInfo() string {
	call := stack.Caller(3)
	return fmt.Sprintf("%+v", call)
}

// Lazy defers evaluation of a context value until the record is actually
// emitted, matching the teacher's log.Lazy used for expensive computations
// such as time.Since on a bonding table entry.
type Lazy struct {
	Fn func() interface{}
}

func (lz Lazy) String() string {
	return fmt.Sprintf("%v", lz.Fn())
}
