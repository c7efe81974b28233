// This package defines the config struct shared by every subsystem of the encryption machine.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// outbound group session rotation
	RotationPeriod   time.Duration
	RotationMessages uint64

	// room key sharing policy
	OnlyTrustedDevices   bool
	ShareWithBlacklisted bool
	ToDeviceChunkSize    int

	MaxOneTimeKeys      int
	ClaimFailureBackoff time.Duration
	KeyRequestsEnabled  bool

	VerificationTimeout   time.Duration
	FinishedFlowRetention int

	BackupBatchSize int

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	return zap.New(core, opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// WithRotation sets the age and message count after which an outbound group session is replaced.
func WithRotation(period time.Duration, messages uint64) Option {
	return func(c *Config) {
		c.RotationPeriod = period
		c.RotationMessages = messages
	}
}

func WithOnlyTrustedDevices(b bool) Option {
	return func(c *Config) {
		c.OnlyTrustedDevices = b
	}
}

func WithShareWithBlacklisted(b bool) Option {
	return func(c *Config) {
		c.ShareWithBlacklisted = b
	}
}

func WithMaxOneTimeKeys(n int) Option {
	return func(c *Config) {
		c.MaxOneTimeKeys = n
	}
}

func WithClaimFailureBackoff(d time.Duration) Option {
	return func(c *Config) {
		c.ClaimFailureBackoff = d
	}
}

func WithKeyRequests(enabled bool) Option {
	return func(c *Config) {
		c.KeyRequestsEnabled = enabled
	}
}

func WithVerificationTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.VerificationTimeout = d
	}
}

func WithFinishedFlowRetention(n int) Option {
	return func(c *Config) {
		c.FinishedFlowRetention = n
	}
}

func WithBackupBatchSize(n int) Option {
	return func(c *Config) {
		c.BackupBatchSize = n
	}
}

func WithToDeviceChunkSize(n int) Option {
	return func(c *Config) {
		c.ToDeviceChunkSize = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                 os.Getenv("DEBUG") == "1",
		LoggingPrefix:         "",
		RootDir:               ".",
		RotationPeriod:        7 * 24 * time.Hour,
		RotationMessages:      100,
		OnlyTrustedDevices:    false,
		ShareWithBlacklisted:  false,
		ToDeviceChunkSize:     250,
		MaxOneTimeKeys:        50,
		ClaimFailureBackoff:   15 * time.Second,
		KeyRequestsEnabled:    true,
		VerificationTimeout:   10 * time.Minute,
		FinishedFlowRetention: 64,
		BackupBatchSize:       100,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	c.writer = writer
	return c
}
