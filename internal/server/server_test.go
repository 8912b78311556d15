package server

import (
	"bytes"
	"context"
	"crypto/md5" // nolint:gosec // testcode
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/firmware-registry/internal/config"
	"github.com/metal-toolbox/firmware-registry/internal/logging"
	"github.com/metal-toolbox/firmware-registry/internal/registry"
	"github.com/metal-toolbox/firmware-registry/internal/store"
	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

func md5hex(b []byte) string {
	sum := md5.Sum(b) // nolint:gosec // testcode
	return hex.EncodeToString(sum[:])
}

func newTestServer(t *testing.T, mutate func(c *config.Configuration)) *Server {
	t.Helper()

	cfg := config.New()
	cfg.StorageRoot = t.TempDir()
	cfg.ListenHost = "127.0.0.1"

	if mutate != nil {
		mutate(cfg)
	}

	stores, err := store.Open(cfg.StorageRoot)
	require.Nil(t, err)

	logger := logging.NewDiscardLogger()
	reg := registry.New(stores.Versions, stores.Binary, logger, registry.WithStrictVersions(cfg.StrictVersions))

	return New(cfg, reg, logger)
}

type formPart struct {
	field    string
	filename string
	content  []byte
}

func multipartBody(t *testing.T, parts ...formPart) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	for _, p := range parts {
		var (
			pw  io.Writer
			err error
		)

		if p.filename != "" {
			pw, err = w.CreateFormFile(p.field, p.filename)
		} else {
			pw, err = w.CreateFormField(p.field)
		}

		require.Nil(t, err)

		_, err = pw.Write(p.content)
		require.Nil(t, err)
	}

	require.Nil(t, w.Close())

	return body, w.FormDataContentType()
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	return rec
}

func get(s *Server, target string) *httptest.ResponseRecorder {
	return do(s, httptest.NewRequest(http.MethodGet, target, http.NoBody))
}

func upload(t *testing.T, s *Server, parts ...formPart) *httptest.ResponseRecorder {
	t.Helper()

	body, contentType := multipartBody(t, parts...)

	req := httptest.NewRequest(http.MethodPost, "/update", body)
	req.Header.Set("Content-Type", contentType)

	return do(s, req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) *T {
	t.Helper()

	v := new(T)
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())

	return v
}

func Test_Info(t *testing.T) {
	s := newTestServer(t, nil)

	rec := get(s, "/")
	assert.Equal(t, http.StatusOK, rec.Code)

	info := decode[types.InfoResponse](t, rec)
	assert.NotEmpty(t, info.Message)

	for _, endpoint := range []string{"GET /version", "GET /check", "GET /firmware", "POST /update"} {
		assert.Contains(t, info.Endpoints, endpoint)
	}
}

func Test_NotFound(t *testing.T) {
	s := newTestServer(t, nil)

	rec := get(s, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", decode[types.ErrorResponse](t, rec).Error)
}

func Test_DownloadBeforeUpload(t *testing.T) {
	s := newTestServer(t, nil)

	rec := get(s, "/firmware")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, store.ErrNotFound.Error(), decode[types.ErrorResponse](t, rec).Error)
}

func Test_Check(t *testing.T) {
	s := newTestServer(t, nil)

	rec := upload(t, s,
		formPart{field: "firmware", filename: "fw.bin", content: []byte("image")},
		formPart{field: "version", content: []byte("1.2.0")},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cases := []struct {
		name            string
		query           string
		header          string
		current         string
		updateAvailable bool
	}{
		{"query older", "?version=1.1.9", "", "1.1.9", true},
		{"header older", "", "1.0", "1.0", true},
		{"query wins over header", "?version=1.2.0", "1.0.0", "1.2.0", false},
		{"numeric ordering", "?version=1.10.0", "", "1.10.0", false},
		{"no device version", "", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/check"+tc.query, http.NoBody)
			if tc.header != "" {
				req.Header.Set(types.HeaderDeviceVersion, tc.header)
			}

			rec := do(s, req)
			assert.Equal(t, http.StatusOK, rec.Code)

			resp := decode[types.CheckResponse](t, rec)
			assert.Equal(t, tc.current, resp.CurrentVersion)
			assert.Equal(t, "1.2.0", resp.LatestVersion)
			assert.Equal(t, tc.updateAvailable, resp.UpdateAvailable)
		})
	}
}

func Test_UpdateRejected(t *testing.T) {
	cases := []struct {
		name   string
		strict bool
		limit  int64
		parts  []formPart
		status int
		errMsg string
	}{
		{
			"missing file",
			false,
			0,
			[]formPart{{field: "version", content: []byte("1.0.1")}},
			http.StatusBadRequest,
			registry.ErrMissingFile.Error(),
		},
		{
			"empty file",
			false,
			0,
			[]formPart{
				{field: "firmware", filename: "fw.bin"},
				{field: "version", content: []byte("1.0.1")},
			},
			http.StatusBadRequest,
			registry.ErrMissingFile.Error(),
		},
		{
			"missing version",
			false,
			0,
			[]formPart{{field: "firmware", filename: "fw.bin", content: []byte("image")}},
			http.StatusBadRequest,
			registry.ErrMissingVersion.Error(),
		},
		{
			"blank version",
			false,
			0,
			[]formPart{
				{field: "firmware", filename: "fw.bin", content: []byte("image")},
				{field: "version", content: []byte("  ")},
			},
			http.StatusBadRequest,
			registry.ErrMissingVersion.Error(),
		},
		{
			"malformed version with strict versions",
			true,
			0,
			[]formPart{
				{field: "firmware", filename: "fw.bin", content: []byte("image")},
				{field: "version", content: []byte("v1.0")},
			},
			http.StatusBadRequest,
			registry.ErrInvalidVersion.Error(),
		},
		{
			"version too long",
			false,
			0,
			[]formPart{
				{field: "firmware", filename: "fw.bin", content: []byte("image")},
				{field: "version", content: bytes.Repeat([]byte("1."), maxVersionLength)},
			},
			http.StatusBadRequest,
			registry.ErrInvalidVersion.Error(),
		},
		{
			"body too large",
			false,
			1024,
			[]formPart{
				{field: "firmware", filename: "fw.bin", content: bytes.Repeat([]byte{0x01}, 4096)},
				{field: "version", content: []byte("1.0.1")},
			},
			http.StatusRequestEntityTooLarge,
			"request body too large",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, func(c *config.Configuration) {
				c.StrictVersions = tc.strict
				if tc.limit > 0 {
					c.MaxUploadBytes = tc.limit
				}
			})

			rec := upload(t, s, tc.parts...)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Contains(t, decode[types.ErrorResponse](t, rec).Error, tc.errMsg)

			// nothing changed
			record := decode[types.VersionRecord](t, get(s, "/version"))
			assert.Equal(t, types.BootstrapVersion, record.Version)
			assert.Equal(t, http.StatusNotFound, get(s, "/firmware").Code)
		})
	}
}

func Test_UpdateNotMultipart(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/update", strings.NewReader(`{"version":"1.0.1"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := do(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[types.ErrorResponse](t, rec).Error, registry.ErrMissingFile.Error())
}

func Test_UpdateIgnoresExtraParts(t *testing.T) {
	s := newTestServer(t, nil)

	rec := upload(t, s,
		formPart{field: "notes", content: []byte("release notes")},
		formPart{field: "firmware", filename: "fw.bin", content: []byte("first")},
		formPart{field: "other", filename: "other.bin", content: []byte("second file")},
		formPart{field: "version", content: []byte("1.0.1")},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = get(s, "/firmware")
	assert.Equal(t, "first", rec.Body.String())
}

// Test_EndToEnd walks a device through bootstrap, upload, check and download.
func Test_EndToEnd(t *testing.T) {
	s := newTestServer(t, nil)

	rec := get(s, "/version")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":"1.0.0"}`, rec.Body.String())

	payload := bytes.Repeat([]byte{0xa5}, 100)

	rec = upload(t, s,
		formPart{field: "firmware", filename: "fw.bin", content: payload},
		formPart{field: "version", content: []byte("1.0.1")},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, &types.UpdateResponse{
		Success: true,
		Message: registry.UpdateMessage,
		Version: "1.0.1",
		Size:    100,
	}, decode[types.UpdateResponse](t, rec))

	record := decode[types.VersionRecord](t, get(s, "/version"))
	assert.Equal(t, "1.0.1", record.Version)
	assert.Equal(t, int64(100), *record.Size)
	assert.NotNil(t, record.UpdatedAt)

	rec = get(s, "/check?version=1.0.0")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"currentVersion":"1.0.0","latestVersion":"1.0.1","updateAvailable":true}`, rec.Body.String())

	rec = get(s, "/firmware")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=firmware.bin", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "100", rec.Header().Get("Content-Length"))
	assert.Equal(t, md5hex(payload), rec.Header().Get(types.HeaderChecksum))
}

// Test_DownloadDuringUpload starts a download, commits a new firmware half
// way through and expects the download to finish with the old bytes.
func Test_DownloadDuringUpload(t *testing.T) {
	s := newTestServer(t, nil)

	oldPayload := bytes.Repeat([]byte{0x01}, 1<<20)
	newPayload := bytes.Repeat([]byte{0x02}, 1<<19)

	rec := upload(t, s,
		formPart{field: "firmware", filename: "fw.bin", content: oldPayload},
		formPart{field: "version", content: []byte("1.0.1")},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/firmware")
	require.Nil(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, strconv.Itoa(len(oldPayload)), resp.Header.Get("Content-Length"))

	head := make([]byte, 4096)
	_, err = io.ReadFull(resp.Body, head)
	require.Nil(t, err)

	body, contentType := multipartBody(t,
		formPart{field: "firmware", filename: "fw.bin", content: newPayload},
		formPart{field: "version", content: []byte("1.0.2")},
	)

	uploadResp, err := http.Post(ts.URL+"/update", contentType, body)
	require.Nil(t, err)
	uploadResp.Body.Close()
	require.Equal(t, http.StatusOK, uploadResp.StatusCode)

	rest, err := io.ReadAll(resp.Body)
	require.Nil(t, err)

	got := append(head, rest...)
	assert.Equal(t, len(oldPayload), len(got))
	assert.Equal(t, oldPayload, got)
	assert.Equal(t, md5hex(oldPayload), resp.Header.Get(types.HeaderChecksum))

	rec = get(s, "/firmware")
	assert.Equal(t, newPayload, rec.Body.Bytes())
	assert.Equal(t, md5hex(newPayload), rec.Header().Get(types.HeaderChecksum))
}

func Test_Recovery(t *testing.T) {
	s := newTestServer(t, nil)

	engine, ok := s.Handler().(*gin.Engine)
	require.True(t, ok)

	engine.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	rec := get(s, "/panic")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decode[types.ErrorResponse](t, rec).Error)

	// the server keeps serving
	assert.Equal(t, http.StatusOK, get(s, "/version").Code)
}

func Test_ServeShutdown(t *testing.T) {
	s := newTestServer(t, func(c *config.Configuration) {
		c.MaxConnections = 2
		c.ShutdownTimeout = 5 * time.Second
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.Serve(ctx, ln)
	}()

	url := "http://" + ln.Addr().String() + "/version"

	assert.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.Nil(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
