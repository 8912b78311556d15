package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/firmware-registry/internal/config"
	"github.com/metal-toolbox/firmware-registry/internal/logging"
	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

const testConfig = `
log_level: debug
port: 8080
listen_host: 127.0.0.1
storage_root: /var/lib/firmware-registry
max_upload_bytes: 1048576
strict_versions: true
shutdown_timeout: 5s
metrics:
  enabled: false
mirror:
  kind: s3
  root: ota
  s3:
    region: us-east-1
    endpoint: s3.example.com
    bucket: firmware
    access_key: foo
`

var envKeys = []string{
	"PORT",
	"FIRMWARE_REGISTRY_PORT",
	"FIRMWARE_REGISTRY_STORAGE_ROOT",
	"FIRMWARE_REGISTRY_STRICT_VERSIONS",
	"FIRMWARE_REGISTRY_METRICS_ADDRESS",
	"FIRMWARE_REGISTRY_MIRROR_KIND",
	"FIRMWARE_REGISTRY_MIRROR_ROOT",
	"FIRMWARE_REGISTRY_MIRROR_S3_SECRET_KEY",
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.yaml")
	require.Nil(t, os.WriteFile(p, []byte(contents), 0o600))

	return p
}

func newTestApp() *App {
	return &App{
		v:      viper.New(),
		Config: config.New(),
		Logger: logging.NewDiscardLogger(),
	}
}

func Test_LoadConfiguration(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		env     map[string]string
		errMsg  string
		compare func(t *testing.T, c *config.Configuration)
	}{
		{
			"defaults",
			"",
			nil,
			"",
			func(t *testing.T, c *config.Configuration) {
				assert.Equal(t, config.New(), c)
			},
		},
		{
			"bare PORT",
			"",
			map[string]string{"PORT": "8266"},
			"",
			func(t *testing.T, c *config.Configuration) {
				assert.Equal(t, 8266, c.Port)
			},
		},
		{
			"prefixed port wins over PORT",
			"",
			map[string]string{"PORT": "8266", "FIRMWARE_REGISTRY_PORT": "9000"},
			"",
			func(t *testing.T, c *config.Configuration) {
				assert.Equal(t, 9000, c.Port)
			},
		},
		{
			"env overrides",
			"",
			map[string]string{
				"FIRMWARE_REGISTRY_STORAGE_ROOT":    "/srv/firmware",
				"FIRMWARE_REGISTRY_STRICT_VERSIONS": "true",
				"FIRMWARE_REGISTRY_METRICS_ADDRESS": "127.0.0.1:9100",
				"FIRMWARE_REGISTRY_MIRROR_KIND":     "local",
				"FIRMWARE_REGISTRY_MIRROR_ROOT":     "/srv/mirror",
			},
			"",
			func(t *testing.T, c *config.Configuration) {
				assert.Equal(t, "/srv/firmware", c.StorageRoot)
				assert.True(t, c.StrictVersions)
				assert.Equal(t, "127.0.0.1:9100", c.Metrics.Address)
				assert.True(t, c.Metrics.Enabled)
				assert.Equal(t, types.MirrorKindLocal, c.Mirror.Kind)
				assert.Equal(t, "/srv/mirror", c.Mirror.Root)
			},
		},
		{
			"config file with secret from env",
			testConfig,
			map[string]string{"FIRMWARE_REGISTRY_MIRROR_S3_SECRET_KEY": "bar"},
			"",
			func(t *testing.T, c *config.Configuration) {
				assert.Equal(t, "debug", c.LogLevel)
				assert.Equal(t, "127.0.0.1:8080", c.ListenAddress())
				assert.Equal(t, "/var/lib/firmware-registry", c.StorageRoot)
				assert.Equal(t, int64(1048576), c.MaxUploadBytes)
				assert.True(t, c.StrictVersions)
				assert.Equal(t, 5*time.Second, c.ShutdownTimeout)
				assert.False(t, c.Metrics.Enabled)
				assert.Equal(t, types.MirrorKindS3, c.Mirror.Kind)
				assert.Equal(t, "ota", c.Mirror.Root)
				assert.Equal(t, &config.S3Bucket{
					Region:    "us-east-1",
					Endpoint:  "s3.example.com",
					Bucket:    "firmware",
					AccessKey: "foo",
					SecretKey: "bar",
				}, c.Mirror.S3)
			},
		},
		{
			"config file env port override",
			testConfig,
			map[string]string{
				"FIRMWARE_REGISTRY_PORT":                 "8081",
				"FIRMWARE_REGISTRY_MIRROR_S3_SECRET_KEY": "bar",
			},
			"",
			func(t *testing.T, c *config.Configuration) {
				assert.Equal(t, 8081, c.Port)
			},
		},
		{
			"incomplete s3 settings",
			testConfig,
			nil,
			"missing parameter(s): mirror.s3.secret_key",
			nil,
		},
		{
			"invalid port",
			"port: 0\n",
			nil,
			"invalid port 0",
			nil,
		},
		{
			"invalid yaml",
			"port: [\n",
			nil,
			"ReadConfig error",
			nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range envKeys {
				t.Setenv(k, "")
			}

			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfgFile := ""
			if tc.file != "" {
				cfgFile = writeConfig(t, tc.file)
			}

			a := newTestApp()

			err := a.LoadConfiguration(cfgFile)
			if tc.errMsg != "" {
				assert.ErrorIs(t, err, config.ErrConfig)
				assert.Contains(t, err.Error(), tc.errMsg)

				return
			}

			require.Nil(t, err)
			tc.compare(t, a.Config)
		})
	}
}

func Test_LoadConfigurationMissingFile(t *testing.T) {
	a := newTestApp()

	err := a.LoadConfiguration(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, config.ErrConfig)
}

func Test_InitServices(t *testing.T) {
	ctx := context.Background()

	a := newTestApp()
	a.Config.StorageRoot = filepath.Join(t.TempDir(), "firmware")

	services, err := a.InitServices(ctx)
	require.Nil(t, err)
	assert.NotNil(t, services.Registry)
	assert.Nil(t, services.Mirror)

	record, err := services.Registry.Version(ctx)
	assert.Nil(t, err)
	assert.Equal(t, types.BootstrapVersion, record.Version)

	a.Config.Mirror.Kind = types.MirrorKindLocal
	a.Config.Mirror.Root = t.TempDir()

	services, err = a.InitServices(ctx)
	require.Nil(t, err)
	assert.NotNil(t, services.Mirror)
}
