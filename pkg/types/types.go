package types

import (
	"time"
)

type (
	// LogLevel is the logging level string.
	LogLevel string
	// MirrorKind is the kind of destination the current firmware is replicated to.
	MirrorKind string
)

const (
	AppName = "firmware-registry"

	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
	LogLevelTrace LogLevel = "trace"

	MirrorKindNone  MirrorKind = ""
	MirrorKindLocal MirrorKind = "local"
	MirrorKindS3    MirrorKind = "s3"

	// BootstrapVersion is the version recorded when the registry starts with no prior state.
	BootstrapVersion = "1.0.0"

	// FirmwareFilename is the filename hinted to devices in the download Content-Disposition.
	FirmwareFilename = "firmware.bin"

	// HeaderChecksum carries the hex MD5 of the firmware body.
	HeaderChecksum = "x-MD5"
	// HeaderDeviceVersion is the fallback header devices report their running version in.
	HeaderDeviceVersion = "x-esp8266-version"
)

// MirrorKinds returns the supported mirror destinations
func MirrorKinds() []MirrorKind {
	return []MirrorKind{MirrorKindNone, MirrorKindLocal, MirrorKindS3}
}

// VersionRecord is the metadata of the firmware currently held by the registry.
//
// UpdatedAt and Size are nil on the bootstrap record, before any upload.
type VersionRecord struct {
	Version   string     `json:"version"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Size      *int64     `json:"size,omitempty"`
}

// CheckResponse is returned by the update check endpoint.
type CheckResponse struct {
	CurrentVersion  string `json:"currentVersion"`
	LatestVersion   string `json:"latestVersion"`
	UpdateAvailable bool   `json:"updateAvailable"`
}

// UpdateResponse is returned after a successful firmware upload.
type UpdateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Version string `json:"version"`
	Size    int64  `json:"size"`
}

// InfoResponse describes the endpoints served by the registry.
type InfoResponse struct {
	Message   string            `json:"message"`
	Endpoints map[string]string `json:"endpoints"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}
