// Package client talks to a botifactory-style release server: building the
// three well-known URLs a channel exposes, fetching the JSON release
// metadata, and streaming the binary image into the write pipeline.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Masterminds/semver/v3"
	pkgerrors "github.com/pkg/errors"

	"github.com/openenterprise/botifactory-ota/flash"
	"github.com/openenterprise/botifactory-ota/pipeline"
)

var (
	// ErrRequest is returned on a non-2xx HTTP status or a transport-level
	// failure (connection refused, timeout, context cancellation, ...).
	ErrRequest = errors.New("client: request failed")
	// ErrMalformedResponse is returned when a successful response body
	// isn't the JSON shape expected (collapses the distinct UTF-8-decode
	// and JSON-parse failures of the source this is ported from, since
	// encoding/json validates UTF-8 as part of parsing).
	ErrMalformedResponse = errors.New("client: malformed response body")
	// ErrVersion is returned when the response's version field isn't a
	// parsable semantic version.
	ErrVersion = errors.New("client: unparsable version string")
)

// URLBuilder constructs the three well-known endpoints a release channel
// exposes: the latest release, the previous release, and a specific
// release by id.
type URLBuilder struct {
	ServerURL   string
	ProjectName string
	ChannelName string

	// LegacyPreviousAliasesLatest reproduces the historical behavior where
	// Previous() returned the same URL as Latest(). It defaults to false;
	// set it only to preserve a deployment that depends on the old
	// (incorrect) alias.
	LegacyPreviousAliasesLatest bool
}

func (b URLBuilder) base() string {
	return fmt.Sprintf("%s/%s/%s", b.ServerURL, b.ProjectName, b.ChannelName)
}

// Latest returns the URL for the channel's most recent release.
func (b URLBuilder) Latest() string {
	return b.base() + "/latest"
}

// Previous returns the URL for the channel's second-most-recent release.
// When LegacyPreviousAliasesLatest is set, it returns the same URL as
// Latest, matching the behavior of the implementation this client is
// ported from.
func (b URLBuilder) Previous() string {
	if b.LegacyPreviousAliasesLatest {
		return b.Latest()
	}
	return b.base() + "/previous"
}

// ID returns the URL for a specific release.
func (b URLBuilder) ID(id string) string {
	return b.base() + "/" + id
}

// Transport issues one HTTP GET and returns the status code and response
// body. It exists so a non-net/http stack (an embedded TCP/TLS client, for
// instance) can stand in for the default implementation below.
type Transport interface {
	Do(ctx context.Context, method, url, accept string) (status int, body io.ReadCloser, err error)
}

// HTTPTransport is the default Transport, backed by net/http. Token, if
// set, is sent as a Bearer credential on every request — see
// credentials.APIToken.
type HTTPTransport struct {
	Client *http.Client
	Token  string
}

func (t HTTPTransport) Do(ctx context.Context, method, url, accept string) (int, io.ReadCloser, error) {
	c := t.Client
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", accept)
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, resp.Body, nil
}

// releaseBody mirrors the release server's JSON envelope: a single
// "release" object carrying a semver "version" field.
type releaseBody struct {
	Release struct {
		Version string `json:"version"`
	} `json:"release"`
}

// Client fetches release metadata and binaries from a single, already
// resolved release URL (typically one produced by URLBuilder).
type Client struct {
	URL       string
	Transport Transport
	Logger    *slog.Logger
}

// New returns a Client using the default net/http-backed Transport.
func New(url string) *Client {
	return &Client{URL: url, Transport: HTTPTransport{}}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ReadVersion fetches the release's JSON metadata and parses its version.
func (c *Client) ReadVersion(ctx context.Context) (*semver.Version, error) {
	c.logger().Debug("client:building-json-request")
	status, body, err := c.Transport.Do(ctx, http.MethodGet, c.URL, "application/json")
	if err != nil {
		return nil, pkgerrors.Wrap(ErrRequest, err.Error())
	}
	defer body.Close()

	c.logger().Debug("client:status-code", slog.Int("status", status))
	if status < 200 || status >= 300 {
		return nil, ErrRequest
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, pkgerrors.Wrap(ErrRequest, err.Error())
	}

	var release releaseBody
	if err := json.Unmarshal(raw, &release); err != nil {
		return nil, pkgerrors.Wrap(ErrMalformedResponse, err.Error())
	}

	v, err := semver.NewVersion(release.Release.Version)
	if err != nil {
		return nil, pkgerrors.Wrap(ErrVersion, err.Error())
	}
	c.logger().Debug("client:version", slog.String("version", v.String()))
	return v, nil
}

// ReadBinary fetches the release's binary image and returns its body for
// the caller to hand to the write pipeline. The caller is responsible for
// closing the returned ReadCloser.
func (c *Client) ReadBinary(ctx context.Context) (io.ReadCloser, error) {
	c.logger().Debug("client:building-binary-request")
	status, body, err := c.Transport.Do(ctx, http.MethodGet, c.URL, "application/octet-stream")
	if err != nil {
		return nil, pkgerrors.Wrap(ErrRequest, err.Error())
	}

	c.logger().Debug("client:status-code", slog.Int("status", status))
	if status < 200 || status >= 300 {
		body.Close()
		return nil, ErrRequest
	}
	return body, nil
}

// Install fetches the release's binary image and streams it directly into
// the write pipeline, tying ReadBinary to pipeline.SaveNewFW the way the
// source this client is ported from ties its own read_binary to
// save_new_fw.
func (c *Client) Install(ctx context.Context, dev flash.Device, logger *slog.Logger) error {
	body, err := c.ReadBinary(ctx)
	if err != nil {
		return err
	}
	defer body.Close()
	return pipeline.SaveNewFW(ctx, dev, body, logger)
}
