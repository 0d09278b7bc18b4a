package main

import (
	"time"

	"github.com/crucible-data/refinery/internal/model"
)

const (
	defaultBindHost            = "127.0.0.1"
	defaultTCPPort             = 4000
	defaultAPIPort             = 3000
	defaultQueryTimeout        = 30 * time.Second
	defaultAppendBatchSize     = model.DefaultAppendBatch
	defaultAppendFlushInterval = model.DefaultAppendFlush
	defaultAppendFlushQueue    = 64
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DBPath       string        `mapstructure:"db-path"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`

	ConsumerID     string        `mapstructure:"consumer-id"`
	TickInterval   time.Duration `mapstructure:"tick-interval"`
	RunTimeout     time.Duration `mapstructure:"run-timeout"`
	ProjectionPath string        `mapstructure:"projection-path"`

	SpoolDir            string        `mapstructure:"spool-dir"`
	StageRescanInterval time.Duration `mapstructure:"stage-rescan-interval"`

	StageS3URL          string        `mapstructure:"stage-s3-url"`
	StageS3Endpoint     string        `mapstructure:"stage-s3-endpoint"`
	StageS3Region       string        `mapstructure:"stage-s3-region"`
	StageS3AccessKey    string        `mapstructure:"stage-s3-access-key"`
	StageS3SecretKey    string        `mapstructure:"stage-s3-secret-key"`
	StageS3SessionToken string        `mapstructure:"stage-s3-session-token"`
	StageS3UseSSL       bool          `mapstructure:"stage-s3-use-ssl"`
	StageS3PullInterval time.Duration `mapstructure:"stage-s3-pull-interval"`

	TCPEnabled bool   `mapstructure:"tcp-enabled"`
	TCPPort    int    `mapstructure:"tcp-port"`
	TCPAddr    string `mapstructure:"tcp-addr"`

	APIEnabled bool   `mapstructure:"api-enabled"`
	APIPort    int    `mapstructure:"api-port"`
	APIAddr    string `mapstructure:"api-addr"`

	AppendBatchSize     int           `mapstructure:"append-batch-size"`
	AppendFlushInterval time.Duration `mapstructure:"append-flush-interval"`
	AppendFlushQueue    int           `mapstructure:"append-flush-queue-size"`

	BackupEnabled        bool          `mapstructure:"backup-enabled"`
	BackupInterval       time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir       string        `mapstructure:"backup-local-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last"`
	BackupBucketURL      string        `mapstructure:"backup-s3-url"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl"`

	ConfigPath string `mapstructure:"-"` // not from config file
}
