package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"supd/internal/storage"
	"supd/internal/supervisor"
)

// ErrNotFound is returned by the client for 404 responses.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("api %d: %s", e.Status, e.Message) }

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client talks to a running daemon.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient accepts "host:port" or a full URL.
func NewClient(addr, token string) *Client {
	base := strings.TrimSpace(addr)
	if base == "" {
		base = DefaultAddr
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var eb errorBody
		if json.Unmarshal(body, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(body))
		}
		return &APIError{Status: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func svcPath(name string, suffix ...string) string {
	p := "/services/" + url.PathEscape(name)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

func (c *Client) Services(ctx context.Context) ([]supervisor.Info, error) {
	var out []supervisor.Info
	return out, c.do(ctx, http.MethodGet, "/services", &out)
}

func (c *Client) Service(ctx context.Context, name string) (ServiceView, error) {
	var out ServiceView
	return out, c.do(ctx, http.MethodGet, svcPath(name), &out)
}

func (c *Client) Health(ctx context.Context, name string) (supervisor.Health, error) {
	var out supervisor.Health
	return out, c.do(ctx, http.MethodGet, svcPath(name, "health"), &out)
}

func (c *Client) HealthAll(ctx context.Context) (HealthReport, error) {
	var out HealthReport
	return out, c.do(ctx, http.MethodGet, "/health", &out)
}

// Events lists recorded lifecycle events, oldest first. limit<=0 uses the server default.
func (c *Client) Events(ctx context.Context, name string, limit int) ([]storage.EventRecord, error) {
	p := svcPath(name, "events")
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out []storage.EventRecord
	return out, c.do(ctx, http.MethodGet, p, &out)
}

func (c *Client) message(ctx context.Context, method, path string) (string, error) {
	var out messageBody
	err := c.do(ctx, method, path, &out)
	return out.Message, err
}

func (c *Client) Start(ctx context.Context, name string) (string, error) {
	return c.message(ctx, http.MethodPost, svcPath(name, "start"))
}

func (c *Client) Stop(ctx context.Context, name string) (string, error) {
	return c.message(ctx, http.MethodPost, svcPath(name, "stop"))
}

func (c *Client) Restart(ctx context.Context, name string) (string, error) {
	return c.message(ctx, http.MethodPost, svcPath(name, "restart"))
}

func (c *Client) Trigger(ctx context.Context, name string) (string, error) {
	return c.message(ctx, http.MethodPost, svcPath(name, "trigger"))
}

func (c *Client) Remove(ctx context.Context, name string) (string, error) {
	return c.message(ctx, http.MethodDelete, svcPath(name))
}

func (c *Client) StartAll(ctx context.Context) (string, error) {
	return c.message(ctx, http.MethodPost, "/services/start-all")
}

func (c *Client) StopAll(ctx context.Context) (string, error) {
	return c.message(ctx, http.MethodPost, "/services/stop-all")
}
