// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package download fetches Wayk Now release packages from the Devolutions
// CDN.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/natefinch/atomic"
	"github.com/siderolabs/go-retry/retry"
	"go.uber.org/zap"

	"github.com/wayknow/cse"
)

const (
	DefaultVersionURL = "https://devolutions.net/products.htm"
	DefaultCDNURL     = "https://cdn.devolutions.net/download/Wayk"

	maxVersionPageSize = 8 << 20
)

var (
	ErrVersionNotDetected = errors.New("failed to detect remote version")

	versionRegexp = regexp.MustCompile(`Wayk\.Version=(\d+).(\d+).(\d+).(\d+)`)
)

// Kind selects the package format.
type Kind int

const (
	MSI Kind = iota
	Zip
)

// Ext returns the file extension without the dot.
func (k Kind) Ext() string {
	switch k {
	case MSI:
		return "msi"
	case Zip:
		return "zip"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) String() string {
	return k.Ext()
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// UserAgent is sent with every request.
func UserAgent() string {
	return fmt.Sprintf("WaykCse/%s (Windows)", cse.ToolVersion)
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithVersionURL sets the page scraped by LatestVersion.
func WithVersionURL(u string) Option {
	return func(c *Client) {
		c.versionURL = u
	}
}

// WithCDNURL sets the base URL of the package CDN.
func WithCDNURL(u string) Option {
	return func(c *Client) {
		c.cdnURL = strings.TrimSuffix(u, "/")
	}
}

// WithRetry bounds the total retry time and sets the backoff unit.
func WithRetry(maxDuration, unit time.Duration) Option {
	return func(c *Client) {
		c.retryMax = maxDuration
		c.retryUnit = unit
	}
}

// Client downloads Wayk Now packages.
type Client struct {
	logger     *zap.Logger
	http       *http.Client
	versionURL string
	cdnURL     string
	retryMax   time.Duration
	retryUnit  time.Duration
}

// New returns a Client using a pooled go-cleanhttp client.
func New(opts ...Option) *Client {
	c := &Client{
		logger:     zap.NewNop(),
		http:       cleanhttp.DefaultPooledClient(),
		versionURL: DefaultVersionURL,
		cdnURL:     DefaultCDNURL,
		retryMax:   2 * time.Minute,
		retryUnit:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PackageURL returns the CDN location of a release package.
func (c *Client) PackageURL(b cse.Bitness, v cse.Version, kind Kind) string {
	return fmt.Sprintf("%s/%s/WaykNow-%s-%s.%s", c.cdnURL, v.Quad(), b, v.Quad(), kind.Ext())
}

func (c *Client) retryer() retry.Retryer {
	return retry.Exponential(c.retryMax,
		retry.WithUnits(c.retryUnit),
		retry.WithJitter(c.retryUnit/2),
	)
}

// get performs one GET. Transport failures and temporary statuses come back
// as retry.ExpectedError.
func (c *Client) get(ctx context.Context, url string, fn func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.ExpectedError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		sErr := &StatusError{URL: url, StatusCode: resp.StatusCode}
		if sErr.Temporary() {
			return retry.ExpectedError(sErr)
		}
		return sErr
	}

	if err := fn(resp.Body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.ExpectedError(err)
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, url string, fn func(io.Reader) error) error {
	attempt := 0
	return c.retryer().RetryWithContext(ctx, func(ctx context.Context) error {
		attempt++
		err := c.get(ctx, url, fn)
		if err != nil {
			c.logger.Debug("request failed", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
}

// LatestVersion scrapes the current Wayk Now release from the products page.
func (c *Client) LatestVersion(ctx context.Context) (cse.Version, error) {
	var body []byte
	err := c.fetch(ctx, c.versionURL, func(r io.Reader) error {
		var err error
		body, err = io.ReadAll(io.LimitReader(r, maxVersionPageSize))
		return err
	})
	if err != nil {
		return cse.Version{}, fmt.Errorf("querying latest Wayk Now version: %w", err)
	}

	m := versionRegexp.FindSubmatch(body)
	if m == nil {
		return cse.Version{}, ErrVersionNotDetected
	}
	v, err := cse.ParseVersion(fmt.Sprintf("%s.%s.%s.%s", m[1], m[2], m[3], m[4]))
	if err != nil {
		return cse.Version{}, fmt.Errorf("%w: %w", ErrVersionNotDetected, err)
	}

	c.logger.Info("latest Wayk Now version detected", zap.Stringer("version", v))
	return v, nil
}

// Fetch downloads a release package into destDir and returns its path. The
// file only appears once completely downloaded.
func (c *Client) Fetch(ctx context.Context, b cse.Bitness, v cse.Version, kind Kind, destDir string) (string, error) {
	url := c.PackageURL(b, v, kind)
	dest := filepath.Join(destDir, fmt.Sprintf("WaykNow-%s-%s.%s", b, v.Quad(), kind.Ext()))

	start := time.Now()
	var n int64
	err := c.fetch(ctx, url, func(r io.Reader) error {
		cr := &countingReader{r: r}
		err := atomic.WriteFile(dest, cr)
		n = cr.n
		return err
	})
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", url, err)
	}

	c.logger.Info("package downloaded",
		zap.String("url", url),
		zap.String("path", dest),
		zap.String("size", humanize.Bytes(uint64(n))),
		zap.Duration("elapsed", time.Since(start)),
	)
	return dest, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
