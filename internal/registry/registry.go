// Package registry implements the firmware registry: the single firmware
// image devices update to, and the version record describing it.
package registry

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/firmware-registry/internal/metrics"
	"github.com/metal-toolbox/firmware-registry/internal/store"
	"github.com/metal-toolbox/firmware-registry/internal/version"
	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

const (
	UpdateMessage = "Firmware updated successfully"
)

var (
	ErrMissingFile    = errors.New("no firmware file provided")
	ErrMissingVersion = errors.New("no version provided")
	ErrInvalidVersion = errors.New("invalid version")
)

//go:generate mockgen -source=registry.go -destination=mocks/notifier.go Notifier

// Notifier is told whenever a new firmware has been committed.
//
// Notify must not block.
type Notifier interface {
	Notify()
}

// Registry coordinates the version and binary stores.
type Registry struct {
	versions store.VersionStore
	binary   store.BinaryStore
	logger   *logrus.Logger
	notifier Notifier
	strict   bool
	now      func() time.Time

	// serializes commits so the binary and the record are always swapped as a pair
	commitMu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier sets the Notifier told about committed uploads.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) {
		r.notifier = n
	}
}

// WithStrictVersions rejects uploads whose version fails version.Validate.
func WithStrictVersions(strict bool) Option {
	return func(r *Registry) {
		r.strict = strict
	}
}

// WithClock overrides the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New returns a Registry over the given stores.
func New(versions store.VersionStore, binary store.BinaryStore, logger *logrus.Logger, opts ...Option) *Registry {
	r := &Registry{
		versions: versions,
		binary:   binary,
		logger:   logger,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	if size, err := binary.Size(); err == nil {
		metrics.FirmwareSizeGauge.Set(float64(size))
	}

	return r
}

// Version returns the current version record.
func (r *Registry) Version(_ context.Context) (*types.VersionRecord, error) {
	record, err := r.versions.Read()
	if err != nil {
		metrics.StoreError(metrics.StoreVersion, "read")
		return nil, err
	}

	return record, nil
}

// Check compares the version a device runs against the current record.
//
// An update is offered only when the current record is strictly newer. An
// empty device version compares as indeterminate and never offers an update.
func (r *Registry) Check(ctx context.Context, deviceVersion string) (*types.CheckResponse, error) {
	record, err := r.Version(ctx)
	if err != nil {
		return nil, err
	}

	deviceVersion = strings.TrimSpace(deviceVersion)

	resp := &types.CheckResponse{
		CurrentVersion:  deviceVersion,
		LatestVersion:   record.Version,
		UpdateAvailable: version.Newer(record.Version, deviceVersion),
	}

	metrics.Check(resp.UpdateAvailable)

	r.logger.WithFields(logrus.Fields{
		"device":          deviceVersion,
		"latest":          record.Version,
		"updateAvailable": resp.UpdateAvailable,
	}).Debug("update check")

	return resp, nil
}

// Open returns the current firmware image. The caller must Close it.
func (r *Registry) Open(_ context.Context) (*store.Blob, error) {
	blob, err := r.binary.Open()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			metrics.StoreError(metrics.StoreBinary, "open")
		}

		return nil, err
	}

	return blob, nil
}

// Stage writes an uploaded firmware to the staging area. No lock is held
// while src is read.
func (r *Registry) Stage(_ context.Context, src io.Reader, declaredSize int64) (*store.Staged, error) {
	staged, err := r.binary.Stage(src, declaredSize)
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			metrics.StoreError(metrics.StoreBinary, "stage")
		}

		return nil, err
	}

	return staged, nil
}

// Publish makes a staged firmware current under the given version tag.
//
// The binary is swapped in before the record is replaced, so the record
// never describes bytes that are not in place. The staged payload is
// discarded on any error.
func (r *Registry) Publish(ctx context.Context, staged *store.Staged, tag string) (*types.VersionRecord, error) {
	tag = strings.TrimSpace(tag)

	if err := r.validate(staged, tag); err != nil {
		_ = staged.Discard()
		metrics.Upload(metrics.ResultRejected)

		return nil, err
	}

	if err := ctx.Err(); err != nil {
		_ = staged.Discard()
		metrics.Upload(metrics.ResultFailure)

		return nil, errors.Wrap(err, "upload abandoned before commit")
	}

	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if err := r.binary.Commit(staged); err != nil {
		metrics.StoreError(metrics.StoreBinary, "commit")
		metrics.Upload(metrics.ResultFailure)

		return nil, err
	}

	updatedAt := r.now().UTC()
	size := staged.Size

	record := &types.VersionRecord{
		Version:   tag,
		UpdatedAt: &updatedAt,
		Size:      &size,
	}

	if err := r.versions.Replace(record); err != nil {
		metrics.StoreError(metrics.StoreVersion, "replace")
		metrics.Upload(metrics.ResultFailure)

		r.logger.WithError(err).WithFields(logrus.Fields{
			"version": tag,
			"size":    size,
		}).Error("firmware binary replaced but version record was not updated")

		return nil, err
	}

	metrics.Upload(metrics.ResultSuccess)
	metrics.FirmwareSizeGauge.Set(float64(size))

	r.logger.WithFields(logrus.Fields{
		"version":  tag,
		"size":     size,
		"checksum": staged.Checksum,
	}).Info("firmware updated")

	if r.notifier != nil {
		r.notifier.Notify()
	}

	return record, nil
}

// Update stages src and publishes it as tag.
func (r *Registry) Update(ctx context.Context, src io.Reader, declaredSize int64, tag string) (*types.VersionRecord, error) {
	if src == nil {
		metrics.Upload(metrics.ResultRejected)
		return nil, ErrMissingFile
	}

	// reject before writing anything when the tag alone is enough to fail
	if err := r.validateTag(strings.TrimSpace(tag)); err != nil {
		metrics.Upload(metrics.ResultRejected)
		return nil, err
	}

	staged, err := r.Stage(ctx, src, declaredSize)
	if err != nil {
		metrics.Upload(metrics.ResultFailure)
		return nil, err
	}

	return r.Publish(ctx, staged, tag)
}

func (r *Registry) validate(staged *store.Staged, tag string) error {
	if staged == nil || staged.Size == 0 {
		return ErrMissingFile
	}

	return r.validateTag(tag)
}

func (r *Registry) validateTag(tag string) error {
	if tag == "" {
		return ErrMissingVersion
	}

	if r.strict {
		if err := version.Validate(tag); err != nil {
			return errors.Wrap(ErrInvalidVersion, err.Error())
		}
	}

	return nil
}
