package logger

import (
	"os"
	"sync"

	"coinpilot/conf"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 基于 zap 的全局日志，文件滚动交给 lumberjack

var (
	log  *zap.Logger
	once sync.Once
)

// Pair 构造一个结构化日志字段
func Pair(key string, value interface{}) zap.Field {
	return zap.Any(key, value)
}

// InitLogger 初始化全局日志器，重复调用只生效一次
func InitLogger(cfg *conf.LogConfig, appName string) {
	once.Do(func() {
		log = build(cfg, appName)
	})
}

func build(cfg *conf.LogConfig, appName string) *zap.Logger {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if l, err := zapcore.ParseLevel(cfg.Level); err == nil {
			level = l
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	if cfg.TimeFormat != "" {
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(cfg.TimeFormat)
	} else {
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	var cores []zapcore.Core
	if cfg.FileName != "" {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.FileName,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  cfg.LocalTime,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, level))
	}
	if cfg.Console || cfg.FileName == "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stdout), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	if appName != "" {
		l = l.With(zap.String("app", appName))
	}
	return l
}

// get 未初始化时退化为控制台输出，测试里不用显式 InitLogger
func get() *zap.Logger {
	once.Do(func() {
		log = build(&conf.LogConfig{Console: true}, "")
	})
	return log
}

func Debug(msg string, fields ...zap.Field) { get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { get().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { get().Fatal(msg, fields...) }

func Debugf(format string, args ...interface{}) { get().Sugar().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { get().Sugar().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { get().Sugar().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { get().Sugar().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { get().Sugar().Fatalf(format, args...) }

// Sync 刷新缓冲区，进程退出前调用
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
