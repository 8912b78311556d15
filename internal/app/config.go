package app

import (
	"os"
	"strings"

	"github.com/jeremywohl/flatten"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/firmware-registry/internal/config"
	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

const (
	// EnvPrefix is prepended to configuration keys looked up in the environment,
	// FIRMWARE_REGISTRY_STORAGE_ROOT sets storage_root.
	EnvPrefix = "firmware_registry"

	// PortEnv sets the listen port when FIRMWARE_REGISTRY_PORT is not set.
	PortEnv = "PORT"
)

// LoadConfiguration loads application configuration
//
// Reads in the cfgFile when available and overrides from environment variables.
func (a *App) LoadConfiguration(cfgFile string) error {
	a.v.SetConfigType("yaml")
	a.v.SetEnvPrefix(EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if cfgFile != "" {
		fh, err := os.Open(cfgFile)
		if err != nil {
			return errors.Wrap(config.ErrConfig, err.Error())
		}
		defer fh.Close()

		if err = a.v.ReadConfig(fh); err != nil {
			return errors.Wrap(config.ErrConfig, "ReadConfig error:"+err.Error())
		}
	}

	if err := a.envBindVars(); err != nil {
		return errors.Wrap(config.ErrConfig, "env var bind error:"+err.Error())
	}

	if err := a.v.Unmarshal(a.Config); err != nil {
		return errors.Wrap(config.ErrConfig, "Unmarshal error: "+err.Error())
	}

	a.envVarMetricsOverrides()
	a.envVarMirrorOverrides()

	return a.Config.Validate()
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (a *App) envBindVars() error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(a.Config, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten config")
	}

	for k := range flat {
		if k == "port" {
			continue
		}

		if err := a.v.BindEnv(k); err != nil {
			return errors.Wrap(config.ErrConfig, "env var bind error: "+err.Error())
		}
	}

	// the prefixed variable wins over the bare PORT
	return a.v.BindEnv("port", strings.ToUpper(EnvPrefix)+"_PORT", PortEnv)
}

func (a *App) envVarMetricsOverrides() {
	if a.Config.Metrics == nil {
		a.Config.Metrics = &config.MetricsOptions{}
	}

	if a.v.GetString("metrics.enabled") != "" {
		a.Config.Metrics.Enabled = a.v.GetBool("metrics.enabled")
	}

	if a.v.GetString("metrics.address") != "" {
		a.Config.Metrics.Address = a.v.GetString("metrics.address")
	}
}

func (a *App) envVarMirrorOverrides() {
	if a.Config.Mirror == nil {
		a.Config.Mirror = &config.MirrorOptions{}
	}

	if a.Config.Mirror.S3 == nil {
		a.Config.Mirror.S3 = &config.S3Bucket{}
	}

	if a.v.GetString("mirror.kind") != "" {
		a.Config.Mirror.Kind = types.MirrorKind(a.v.GetString("mirror.kind"))
	}

	if a.v.GetString("mirror.root") != "" {
		a.Config.Mirror.Root = a.v.GetString("mirror.root")
	}

	s3 := a.Config.Mirror.S3

	for key, field := range map[string]*string{
		"mirror.s3.region":     &s3.Region,
		"mirror.s3.endpoint":   &s3.Endpoint,
		"mirror.s3.bucket":     &s3.Bucket,
		"mirror.s3.access_key": &s3.AccessKey,
		"mirror.s3.secret_key": &s3.SecretKey,
	} {
		if a.v.GetString(key) != "" {
			*field = a.v.GetString(key)
		}
	}
}
