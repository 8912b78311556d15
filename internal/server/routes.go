package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/firmware-registry/internal/metrics"
	"github.com/metal-toolbox/firmware-registry/internal/registry"
	"github.com/metal-toolbox/firmware-registry/internal/store"
	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

const (
	contentTypeBinary = "application/octet-stream"

	// form field carrying the version tag of an upload
	versionField = "version"
	// version tags longer than this are rejected
	maxVersionLength = 256
)

var (
	errVersionTooLong = errors.New("version too long")
)

func (s *Server) routes(g *gin.Engine) {
	g.GET("/", s.info)
	g.GET("/version", s.version)
	g.GET("/check", s.check)
	g.GET("/firmware", s.download)
	g.POST("/update", s.update)
}

func (s *Server) info(c *gin.Context) {
	c.JSON(http.StatusOK, types.InfoResponse{
		Message: "ESP8266 firmware registry",
		Endpoints: map[string]string{
			"GET /":         "this listing",
			"GET /version":  "current firmware version record",
			"GET /check":    "check for an update, version query parameter or " + types.HeaderDeviceVersion + " header",
			"GET /firmware": "download the current firmware",
			"POST /update":  "upload a firmware, multipart form with a firmware file and a version field",
		},
	})
}

func (s *Server) version(c *gin.Context) {
	record, err := s.registry.Version(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (s *Server) check(c *gin.Context) {
	deviceVersion := c.Query("version")
	if deviceVersion == "" {
		deviceVersion = c.GetHeader(types.HeaderDeviceVersion)
	}

	resp, err := s.registry.Check(c.Request.Context(), deviceVersion)
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) download(c *gin.Context) {
	blob, err := s.registry.Open(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	defer blob.Close()

	metrics.DownloadsCounter.Inc()

	body := &countingReader{r: blob}

	c.DataFromReader(http.StatusOK, blob.Size, contentTypeBinary, body, map[string]string{
		"Content-Disposition": "attachment; filename=" + types.FirmwareFilename,
		types.HeaderChecksum:  blob.Checksum,
	})

	metrics.DownloadBytesCounter.Add(float64(body.n))
}

// update streams a multipart upload into staging and publishes it.
//
// The binary is the first part carrying a filename, the version tag is the
// version form field. Other parts are skipped.
func (s *Server) update(c *gin.Context) {
	ctx := c.Request.Context()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes)

	mr, err := c.Request.MultipartReader()
	if err != nil {
		metrics.Upload(metrics.ResultRejected)
		s.abort(c, errors.Wrap(registry.ErrMissingFile, err.Error()))

		return
	}

	var (
		staged *store.Staged
		tag    string
	)

	// no-op once published
	defer func() { _ = staged.Discard() }()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}

		if err != nil {
			metrics.Upload(metrics.ResultRejected)
			s.abortUpload(c, errors.Wrap(err, "reading multipart body"))

			return
		}

		switch {
		case part.FileName() != "" && staged == nil:
			staged, err = s.registry.Stage(ctx, part, -1)
		case part.FormName() == versionField:
			tag, err = readField(part)
		default:
			_, err = io.Copy(io.Discard, part)
		}

		part.Close()

		if err != nil {
			metrics.Upload(metrics.ResultFailure)
			s.abortUpload(c, err)

			return
		}
	}

	record, err := s.registry.Publish(ctx, staged, tag)
	if err != nil {
		s.abortUpload(c, err)
		return
	}

	c.JSON(http.StatusOK, types.UpdateResponse{
		Success: true,
		Message: registry.UpdateMessage,
		Version: record.Version,
		Size:    *record.Size,
	})
}

func readField(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxVersionLength+1))
	if err != nil {
		return "", errors.Wrap(err, "reading version field")
	}

	if len(b) > maxVersionLength {
		return "", errors.Wrap(registry.ErrInvalidVersion, errVersionTooLong.Error())
	}

	return string(b), nil
}

// abortUpload treats any failure not caused by the store as a client error.
func (s *Server) abortUpload(c *gin.Context, err error) {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr):
		s.respondError(c, http.StatusRequestEntityTooLarge, err)
	case errors.Is(err, store.ErrStoreUnavailable):
		s.respondError(c, http.StatusInternalServerError, err)
	default:
		s.respondError(c, http.StatusBadRequest, err)
	}
}

func (s *Server) abort(c *gin.Context, err error) {
	s.respondError(c, statusCode(err), err)
}

func (s *Server) respondError(c *gin.Context, status int, err error) {
	_ = c.Error(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		// details stay in the log
		msg = errors.Cause(err).Error()
	}

	c.AbortWithStatusJSON(status, types.ErrorResponse{Error: strings.TrimSpace(msg)})
}

func statusCode(err error) int {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrMissingFile),
		errors.Is(err, registry.ErrMissingVersion),
		errors.Is(err, registry.ErrInvalidVersion),
		errors.Is(err, store.ErrSizeMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)

	return n, err
}
