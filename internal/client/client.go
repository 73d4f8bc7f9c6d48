// Package client uploads files to a transfer server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/transfer/pkg/domain"
)

// FileNameHeader names a raw upload. It matches the server's header.
const FileNameHeader = "X-TP-Filename"

// Config tunes the underlying HTTP client.
type Config struct {
	// Timeout bounds a whole request including the upload body.
	Timeout time.Duration

	DialTimeout     time.Duration
	KeepAlive       time.Duration
	TLSHandshake    time.Duration
	ResponseHeader  time.Duration
	IdleConnTimeout time.Duration
}

// DefaultConfig returns timeouts suited to large uploads.
func DefaultConfig() Config {
	return Config{
		Timeout:         0,
		DialTimeout:     5 * time.Second,
		KeepAlive:       30 * time.Second,
		TLSHandshake:    5 * time.Second,
		ResponseHeader:  60 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// NewHTTPClient builds an *http.Client from cfg.
func NewHTTPClient(cfg Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	tr := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,

		ForceAttemptHTTP2: true,

		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshake,
		ResponseHeaderTimeout: cfg.ResponseHeader,
	}

	return &http.Client{
		Transport: tr,
		Timeout:   cfg.Timeout,
	}
}

// Client pushes files to a server.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New creates a Client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    NewHTTPClient(DefaultConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push uploads body as one raw file called name and returns the server's result.
// A non-2xx answer is an error; the result is still returned when the server sent one.
func (c *Client) Push(ctx context.Context, name, contentType string, body io.Reader) (*domain.UploadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(FileNameHeader, name)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	var result domain.UploadResult
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("server answered %s", resp.Status)
		if decodeErr == nil && result.Error != nil {
			return &result, fmt.Errorf("%w: %s", err, *result.Error)
		}
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if len(result.Part) == 0 {
		return &result, errors.New("server stored no file")
	}
	return &result, nil
}
