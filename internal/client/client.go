// Package client is a Go client for the firmware registry HTTP API.
package client

import (
	"context"
	"crypto/md5" // nolint:gosec // transfer integrity, not authentication
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/firmware-registry/pkg/types"
)

const (
	defaultTimeout = 5 * time.Minute

	// FirmwareField is the multipart form field the firmware is uploaded in.
	FirmwareField = "firmware"
)

var (
	ErrClientConfig     = errors.New("client configuration error")
	ErrNotFound         = errors.New("no firmware available")
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrChecksumMismatch = errors.New("firmware checksum mismatch")
)

// Client talks to a firmware registry.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the http client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.http = c
	}
}

// New returns a Client for the registry at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(ErrClientConfig, err.Error())
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Wrap(ErrClientConfig, "unsupported URL scheme: "+baseURL)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultTimeout},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path += path
	u.RawQuery = query.Encode()

	return u.String()
}

// Version returns the current version record.
func (c *Client) Version(ctx context.Context) (*types.VersionRecord, error) {
	record := &types.VersionRecord{}
	if err := c.getJSON(ctx, c.endpoint("/version", nil), record); err != nil {
		return nil, err
	}

	return record, nil
}

// Check asks whether a device on deviceVersion should update.
func (c *Client) Check(ctx context.Context, deviceVersion string) (*types.CheckResponse, error) {
	query := url.Values{}
	if deviceVersion != "" {
		query.Set("version", deviceVersion)
	}

	resp := &types.CheckResponse{}
	if err := c.getJSON(ctx, c.endpoint("/check", query), resp); err != nil {
		return nil, err
	}

	return resp, nil
}

// Downloaded describes a completed firmware download.
type Downloaded struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Download writes the current firmware to w and verifies it against the
// checksum the registry advertises.
func (c *Client) Download(ctx context.Context, w io.Writer) (*Downloaded, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/firmware", nil), http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	h := md5.New() // nolint:gosec // transfer integrity, not authentication

	n, err := io.Copy(io.MultiWriter(w, h), resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading firmware")
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, errors.Wrapf(ErrChecksumMismatch, "expected %d bytes, got %d", resp.ContentLength, n)
	}

	sum := hex.EncodeToString(h.Sum(nil))

	expected := resp.Header.Get(types.HeaderChecksum)
	if expected != "" && !strings.EqualFold(expected, sum) {
		return nil, errors.Wrapf(ErrChecksumMismatch, "expected %s, got %s", expected, sum)
	}

	return &Downloaded{Size: n, Checksum: sum}, nil
}

// Upload sends firmware read from r as the new current firmware tagged version.
//
// The multipart body is streamed, r is never held in memory.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader, version string) (*types.UpdateResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUpload(mw, filename, r, version))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/update", nil), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		pr.Close()
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	out := &types.UpdateResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, errors.Wrap(err, "decoding update response")
	}

	return out, nil
}

func writeUpload(mw *multipart.Writer, filename string, r io.Reader, version string) error {
	// the version goes first so it is known before the firmware is read
	if err := mw.WriteField("version", version); err != nil {
		return err
	}

	fw, err := mw.CreateFormFile(FirmwareField, filename)
	if err != nil {
		return err
	}

	if _, err := io.Copy(fw, r); err != nil {
		return err
	}

	return mw.Close()
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrap(err, "decoding response")
	}

	return nil
}

// checkStatus returns an error carrying the registry error message for non 200 responses.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	msg := http.StatusText(resp.StatusCode)

	body := &types.ErrorResponse{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(body); err == nil && body.Error != "" {
		msg = body.Error
	}

	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrap(ErrNotFound, msg)
	}

	return errors.Wrap(ErrUnexpectedStatus, fmt.Sprintf("%d: %s", resp.StatusCode, msg))
}
