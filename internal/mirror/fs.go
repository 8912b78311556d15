package mirror

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	rcloneLocal "github.com/rclone/rclone/backend/local"
	rcloneS3 "github.com/rclone/rclone/backend/s3"
	rcloneFs "github.com/rclone/rclone/fs"
	rcloneConfigmap "github.com/rclone/rclone/fs/config/configmap"

	"github.com/metal-toolbox/firmware-registry/internal/config"
	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

var (
	ErrMirrorConfig     = errors.New("mirror configuration invalid")
	ErrRootDirUndefined = errors.New("expected a root directory path to mount")
	ErrInitLocalFs      = errors.New("error initializing local fs")
	ErrInitS3Fs         = errors.New("error initializing s3 vfs")
)

// SetRcloneLogging matches the rclone log level to the app logger.
func SetRcloneLogging(logger *logrus.Logger) {
	switch logger.GetLevel() {
	case logrus.DebugLevel:
		rcloneFs.GetConfig(context.Background()).LogLevel = rcloneFs.LogLevelDebug
	case logrus.TraceLevel:
		rcloneFs.GetConfig(context.Background()).LogLevel = rcloneFs.LogLevelDebug
		_ = rcloneFs.GetConfig(context.Background()).Dump.Set("headers")
	}
}

// initFs returns the destination fs for the configured mirror kind.
func initFs(ctx context.Context, opts *config.MirrorOptions) (rcloneFs.Fs, error) {
	if opts == nil {
		return nil, errors.Wrap(ErrMirrorConfig, "got nil mirror options")
	}

	switch opts.Kind {
	case types.MirrorKindLocal:
		return initLocalFs(ctx, opts.Root)
	case types.MirrorKindS3:
		return initS3Fs(ctx, opts.S3, opts.Root)
	default:
		return nil, errors.Wrap(ErrMirrorConfig, "unsupported mirror kind: "+string(opts.Kind))
	}
}

// initLocalFs initializes and returns a rcloneFs.Fs interface on the local filesystem
func initLocalFs(ctx context.Context, root string) (rcloneFs.Fs, error) {
	if root == "" {
		return nil, errors.Wrap(ErrRootDirUndefined, "initLocalFs")
	}

	// https://github.com/rclone/rclone/blob/master/backend/local/local.go#L40
	opts := rcloneConfigmap.Simple{
		"type":             "local",
		"copy_links":       "true",
		"no_check_updated": "false",
		"one_file_system":  "true",
		"case_sensitive":   "true",
		"no_preallocation": "true",
		"no_set_modtime":   "false",
	}

	fs, err := rcloneLocal.NewFs(ctx, "local://"+root, root, opts)
	if err != nil {
		return nil, errors.Wrap(ErrInitLocalFs, err.Error())
	}

	return fs, nil
}

// initS3Fs initializes and returns a rcloneFs.Fs interface on an s3 store
//
// root: the directory within the bucket mounted as the top level directory of the returned fs
func initS3Fs(ctx context.Context, cfg *config.S3Bucket, root string) (rcloneFs.Fs, error) {
	if cfg == nil {
		return nil, errors.Wrap(ErrMirrorConfig, "got nil s3 config")
	}

	if cfg.Bucket == "" {
		return nil, errors.Wrap(ErrInitS3Fs, "s3 bucket not defined")
	}

	if cfg.Region == "" {
		return nil, errors.Wrap(ErrInitS3Fs, "s3 region not defined")
	}

	if cfg.Endpoint == "" {
		return nil, errors.Wrap(ErrInitS3Fs, "s3 endpoint not defined")
	}

	if cfg.AccessKey == "" {
		return nil, errors.Wrap(ErrInitS3Fs, "s3 access key not defined")
	}

	if cfg.SecretKey == "" {
		return nil, errors.Wrap(ErrInitS3Fs, "s3 secret key not defined")
	}

	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}

	// https://github.com/rclone/rclone/blob/master/backend/s3/s3.go#L126
	opts := rcloneConfigmap.Simple{
		"type":                 "s3",
		"provider":             "AWS",
		"region":               cfg.Region,
		"access_key_id":        cfg.AccessKey,
		"secret_access_key":    cfg.SecretKey,
		"endpoint":             cfg.Endpoint,
		"leave_parts_on_error": "false",
		"disable_http2":        "true", // https://github.com/rclone/rclone/issues/3631
		"chunk_size":           "10M",
		"upload_cutoff":        "10M",
		"upload_concurrency":   "4",
		"disable_checksum":     "false", // store MD5 checksum with object metadata
		"force_path_style":     "true",
		"no_check_bucket":      "true",
		"no_head":              "true",
	}

	mount := strings.TrimSuffix(cfg.Bucket+root, "/")

	fs, err := rcloneS3.NewFs(ctx, "s3://"+mount, mount, opts)
	if err != nil {
		return nil, errors.Wrap(ErrInitS3Fs, err.Error())
	}

	return fs, nil
}
