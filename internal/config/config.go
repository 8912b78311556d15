package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

const (
	DefaultPort            = 3000
	DefaultStorageRoot     = "./firmware"
	DefaultMaxUploadBytes  = 64 << 20
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMetricsAddress  = "0.0.0.0:9090"

	MinPortNumber = 1
	MaxPortNumber = 65535
)

var (
	ErrConfig = errors.New("configuration error")
)

// Configuration holds application configuration read from a YAML file or set by env variables.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// Port is the HTTP listen port.
	Port int `mapstructure:"port"`

	// ListenHost is the host to bind, empty binds all interfaces.
	ListenHost string `mapstructure:"listen_host"`

	// StorageRoot is the directory holding the version record and the firmware image.
	StorageRoot string `mapstructure:"storage_root"`

	// MaxUploadBytes caps the request body of a firmware upload.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`

	// MaxConnections caps simultaneous client connections, 0 disables the cap.
	MaxConnections int `mapstructure:"max_connections"`

	// StrictVersions rejects uploads tagged with a version that is not
	// a dot separated sequence of non-negative integers.
	StrictVersions bool `mapstructure:"strict_versions"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Metrics *MetricsOptions `mapstructure:"metrics"`

	// Mirror replicates the current firmware to a secondary location.
	//
	// Replication is disabled when Mirror.Kind is empty.
	Mirror *MirrorOptions `mapstructure:"mirror"`
}

// MetricsOptions configures the prometheus metrics listener.
type MetricsOptions struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// MirrorOptions configures firmware replication.
type MirrorOptions struct {
	// Kind is one of local, s3
	Kind types.MirrorKind `mapstructure:"kind"`
	// Root is the destination directory for local mirrors, or the path
	// within the bucket for s3 mirrors.
	Root string    `mapstructure:"root"`
	S3   *S3Bucket `mapstructure:"s3"`
}

// S3Bucket holds configuration parameters to connect to an S3 compatible bucket
type S3Bucket struct {
	Region    string `mapstructure:"region"`   // AWS region location for the s3 bucket
	Endpoint  string `mapstructure:"endpoint"` // s3.foobar.com
	Bucket    string `mapstructure:"bucket"`   // firmware
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// New returns a Configuration with every field set to its default and
// every nested options struct allocated.
func New() *Configuration {
	return &Configuration{
		LogLevel:        string(types.LogLevelInfo),
		Port:            DefaultPort,
		StorageRoot:     DefaultStorageRoot,
		MaxUploadBytes:  DefaultMaxUploadBytes,
		ShutdownTimeout: DefaultShutdownTimeout,
		Metrics: &MetricsOptions{
			Enabled: true,
			Address: DefaultMetricsAddress,
		},
		Mirror: &MirrorOptions{
			S3: &S3Bucket{},
		},
	}
}

// ListenAddress returns the host:port the HTTP server binds to.
func (c *Configuration) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.Port)
}

// MirrorEnabled reports whether a mirror destination is configured.
func (c *Configuration) MirrorEnabled() bool {
	return c.Mirror != nil && c.Mirror.Kind != types.MirrorKindNone
}

// Validate checks that the configuration is coherent.
//
// nolint:gocyclo // parameter validation is cyclomatic
func (c *Configuration) Validate() error {
	if c.Port < MinPortNumber || c.Port > MaxPortNumber {
		return errors.Wrap(ErrConfig, fmt.Sprintf("invalid port %d: must be in range %d..%d", c.Port, MinPortNumber, MaxPortNumber))
	}

	if strings.TrimSpace(c.StorageRoot) == "" {
		return errors.Wrap(ErrConfig, "storage_root not defined")
	}

	if c.MaxUploadBytes <= 0 {
		return errors.Wrap(ErrConfig, "max_upload_bytes must be > 0")
	}

	if c.MaxConnections < 0 {
		return errors.Wrap(ErrConfig, "max_connections must be >= 0")
	}

	if c.ShutdownTimeout <= 0 {
		return errors.Wrap(ErrConfig, "shutdown_timeout must be > 0")
	}

	if c.Metrics != nil && c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.Wrap(ErrConfig, "metrics.address not defined")
	}

	if c.Mirror == nil {
		return nil
	}

	switch c.Mirror.Kind {
	case types.MirrorKindNone:
		return nil
	case types.MirrorKindLocal:
		if c.Mirror.Root == "" {
			return errors.Wrap(ErrConfig, "mirror.root is required for local mirrors")
		}
	case types.MirrorKindS3:
		return c.Mirror.S3.validate()
	default:
		return errors.Wrap(ErrConfig, "unsupported mirror kind: "+string(c.Mirror.Kind))
	}

	return nil
}

func (b *S3Bucket) validate() error {
	if b == nil {
		return errors.Wrap(ErrConfig, "mirror.s3 not defined")
	}

	missing := []string{}

	for name, value := range map[string]string{
		"region":     b.Region,
		"endpoint":   b.Endpoint,
		"bucket":     b.Bucket,
		"access_key": b.AccessKey,
		"secret_key": b.SecretKey,
	} {
		if value == "" {
			missing = append(missing, "mirror.s3."+name)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Wrap(ErrConfig, "missing parameter(s): "+strings.Join(missing, ", "))
	}

	return nil
}
