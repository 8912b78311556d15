package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/metal-toolbox/firmware-registry/internal/config"
	"github.com/metal-toolbox/firmware-registry/internal/logging"
	"github.com/metal-toolbox/firmware-registry/internal/mirror"
	"github.com/metal-toolbox/firmware-registry/internal/registry"
	"github.com/metal-toolbox/firmware-registry/internal/store"
)

var (
	ErrAppInit = errors.New("error initializing app")
)

// App holds attributes for the firmware-registry application
type App struct {
	// Viper loads configuration parameters.
	v *viper.Viper
	// firmware-registry configuration.
	Config *config.Configuration
	// Logger is the app logger
	Logger *logrus.Logger
}

// New returns a new instance of the firmware-registry app
//
// logLevel set from the command line takes precedence over the configured log_level.
func New(cfgFile, logLevel string) (*App, <-chan os.Signal, error) {
	app := &App{
		v:      viper.New(),
		Config: config.New(),
	}

	if err := app.LoadConfiguration(cfgFile); err != nil {
		return nil, nil, err
	}

	if logLevel != "" {
		app.Config.LogLevel = logLevel
	}

	app.Logger = logging.NewLogger(app.Config.LogLevel)

	termCh := make(chan os.Signal, 1)

	// register for SIGINT, SIGTERM
	signal.Notify(termCh, syscall.SIGINT, syscall.SIGTERM)

	return app, termCh, nil
}

// Services are the components a running registry is made of.
type Services struct {
	Stores   *store.Stores
	Registry *registry.Registry
	// Mirror is nil unless a mirror is configured.
	Mirror *mirror.Mirror
}

// InitServices opens the storage root and wires the registry to it.
func (a *App) InitServices(ctx context.Context) (*Services, error) {
	stores, err := store.Open(a.Config.StorageRoot)
	if err != nil {
		return nil, errors.Wrap(ErrAppInit, err.Error())
	}

	if stores.Swept > 0 {
		a.Logger.WithField("count", stores.Swept).Info("removed stale staging files")
	}

	services := &Services{Stores: stores}

	opts := []registry.Option{
		registry.WithStrictVersions(a.Config.StrictVersions),
	}

	if a.Config.MirrorEnabled() {
		m, err := mirror.New(ctx, a.Config.Mirror, stores.Versions, stores.Binary, a.Logger)
		if err != nil {
			return nil, errors.Wrap(ErrAppInit, err.Error())
		}

		services.Mirror = m
		opts = append(opts, registry.WithNotifier(m))
	}

	services.Registry = registry.New(stores.Versions, stores.Binary, a.Logger, opts...)

	a.Logger.WithFields(logrus.Fields{
		"storageRoot":    stores.Root,
		"strictVersions": a.Config.StrictVersions,
		"mirror":         string(a.Config.Mirror.Kind),
	}).Info("registry initialized")

	return services, nil
}
