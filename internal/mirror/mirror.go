// Package mirror replicates the current firmware and its version record to
// a secondary rclone destination after every upload.
//
// Replication is best effort: a failed sync is logged and counted, it never
// fails the upload that triggered it.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/operations"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/firmware-registry/internal/config"
	"github.com/metal-toolbox/firmware-registry/internal/metrics"
	"github.com/metal-toolbox/firmware-registry/internal/store"
	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

const (
	VersionFilename = "version.json"
)

var (
	ErrSourceChanged = errors.New("firmware changed while mirroring")
	ErrUpload        = errors.New("error uploading to mirror")
)

// Mirror copies the registry content to dst.
type Mirror struct {
	dst      fs.Fs
	versions store.VersionStore
	binary   store.BinaryStore
	logger   *logrus.Logger
	// pending signals, at most one is buffered
	notify chan struct{}
}

// New returns a Mirror writing to the destination described by opts.
func New(ctx context.Context, opts *config.MirrorOptions, versions store.VersionStore, binary store.BinaryStore, logger *logrus.Logger) (*Mirror, error) {
	SetRcloneLogging(logger)

	dst, err := initFs(ctx, opts)
	if err != nil {
		return nil, err
	}

	return NewWithFs(dst, versions, binary, logger), nil
}

// NewWithFs returns a Mirror writing to dst.
func NewWithFs(dst fs.Fs, versions store.VersionStore, binary store.BinaryStore, logger *logrus.Logger) *Mirror {
	return &Mirror{
		dst:      dst,
		versions: versions,
		binary:   binary,
		logger:   logger,
		notify:   make(chan struct{}, 1),
	}
}

// Notify schedules a sync. Signals received while one is already pending
// are coalesced.
func (m *Mirror) Notify() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Run syncs once on start, then on every notification until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	m.logger.WithField("destination", fs.ConfigString(m.dst)).Info("firmware mirror running")

	m.syncAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("firmware mirror stopped")
			return
		case <-m.notify:
			m.syncAndLog(ctx)
		}
	}
}

func (m *Mirror) syncAndLog(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		// a commit racing the sync will notify again
		m.logger.WithError(err).Warn("firmware mirror sync failed")
	}
}

// Sync copies the current firmware, then its version record, to the
// destination. Nothing is copied before the first upload.
func (m *Mirror) Sync(ctx context.Context) error {
	record, err := m.versions.Read()
	if err != nil {
		metrics.MirrorSync(metrics.ResultFailure)
		return err
	}

	blob, err := m.binary.Open()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("no firmware to mirror")
			return nil
		}

		metrics.MirrorSync(metrics.ResultFailure)

		return err
	}
	defer blob.Close()

	if record.Size == nil || *record.Size != blob.Size {
		metrics.MirrorSync(metrics.ResultFailure)
		return errors.Wrapf(ErrSourceChanged, "record version %s does not describe the open firmware", record.Version)
	}

	modTime := time.Now()
	if record.UpdatedAt != nil {
		modTime = *record.UpdatedAt
	}

	if _, err := operations.Rcat(ctx, m.dst, types.FirmwareFilename, io.NopCloser(blob), modTime, nil); err != nil {
		metrics.MirrorSync(metrics.ResultFailure)
		return errors.Wrap(ErrUpload, err.Error())
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		metrics.MirrorSync(metrics.ResultFailure)
		return errors.Wrap(ErrUpload, err.Error())
	}

	if _, err := operations.Rcat(ctx, m.dst, VersionFilename, io.NopCloser(bytes.NewReader(b)), modTime, nil); err != nil {
		metrics.MirrorSync(metrics.ResultFailure)
		return errors.Wrap(ErrUpload, err.Error())
	}

	metrics.MirrorSync(metrics.ResultSuccess)

	m.logger.WithFields(logrus.Fields{
		"version":  record.Version,
		"size":     blob.Size,
		"checksum": blob.Checksum,
	}).Info("firmware mirrored")

	return nil
}
