// Package nina provides a client for the NINA Advanced API.
package nina

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/nugget/nina-bridge/internal/device"
	"github.com/nugget/nina-bridge/internal/httpkit"
)

// statusEndpoints maps status classes to their info endpoint. The
// application class is assembled from two endpoints in fetchApplication.
var statusEndpoints = map[string]string{
	device.Camera:        "/equipment/camera/info",
	device.Mount:         "/equipment/mount/info",
	device.Dome:          "/equipment/dome/info",
	device.FilterWheel:   "/equipment/filterwheel/info",
	device.FlatDevice:    "/equipment/flatdevice/info",
	device.Focuser:       "/equipment/focuser/info",
	device.Guider:        "/equipment/guider/info",
	device.Rotator:       "/equipment/rotator/info",
	device.SafetyMonitor: "/equipment/safetymonitor/info",
	device.Sequence:      "/sequence/json",
	device.Switch:        "/equipment/switch/info",
	device.Weather:       "/equipment/weather/info",
}

// maxImageBytes bounds a single image download.
const maxImageBytes = 64 << 20

// Result is the outcome of one successful poll.
type Result struct {
	Class     string
	Values    map[string]any // status classes
	Image     []byte         // image classes; nil when nothing is available
	FetchedAt time.Time
}

// HasImage reports whether an image class returned bytes.
func (r Result) HasImage() bool { return len(r.Image) > 0 }

// envelope is the wrapper every JSON endpoint returns.
type envelope struct {
	Response   json.RawMessage `json:"Response"`
	Error      string          `json:"Error"`
	StatusCode int             `json:"StatusCode"`
	Success    *bool           `json:"Success"`
}

// Client is a NINA Advanced API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	watcher    readyChecker
}

// readyChecker is satisfied by connwatch.Watcher. Defined here to avoid
// importing connwatch directly.
type readyChecker interface {
	IsReady() bool
}

// NewClient creates a client for the API rooted at baseURL, for example
// http://127.0.0.1:1888/v2/api. maxConns caps concurrent connections
// and should match the dispatch worker count.
func NewClient(baseURL string, timeout time.Duration, maxConns int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithMaxConnsPerHost(maxConns),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// SetWatcher sets the connection watcher for health status queries.
func (c *Client) SetWatcher(w readyChecker) {
	c.watcher = w
}

// IsReady reports whether the API is currently reachable. Returns true
// if no watcher is configured.
func (c *Client) IsReady() bool {
	if c.watcher == nil {
		return true
	}
	return c.watcher.IsReady()
}

// Ping checks that the API answers /version.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.getJSON(ctx, "/version", nil)
	return err
}

// Cost returns how many upstream requests one poll of class issues.
func (c *Client) Cost(class string) int {
	return device.CallCost(class)
}

// Fetch polls one device class.
func (c *Client) Fetch(ctx context.Context, class string) (Result, error) {
	res := Result{Class: class}
	var err error

	switch {
	case class == device.Application:
		res.Values, err = c.fetchApplication(ctx)
	case device.KindOf(class) == device.KindImage:
		res.Image, err = c.fetchImage(ctx, class)
	default:
		path, ok := statusEndpoints[class]
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedDevice, class)
		}
		var raw json.RawMessage
		raw, err = c.getJSON(ctx, path, nil)
		if err == nil {
			res.Values, err = decodeValues(class, raw)
		}
	}
	if err != nil {
		return Result{}, err
	}

	res.FetchedAt = time.Now()
	return res, nil
}

func decodeValues(class string, raw json.RawMessage) (map[string]any, error) {
	var resp any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return ExtractValues(class, map[string]any{"Response": resp}), nil
}

func (c *Client) fetchApplication(ctx context.Context) (map[string]any, error) {
	version, err := c.getJSON(ctx, "/version", nil)
	if err != nil {
		return nil, err
	}
	start, err := c.getJSON(ctx, "/application-start", nil)
	if err != nil {
		return nil, err
	}

	var v, s any
	if err := json.Unmarshal(version, &v); err != nil {
		return nil, fmt.Errorf("%w: version: %v", ErrMalformedResponse, err)
	}
	if err := json.Unmarshal(start, &s); err != nil {
		return nil, fmt.Errorf("%w: application-start: %v", ErrMalformedResponse, err)
	}
	return map[string]any{
		"nina_version":      v,
		"api_version":       v,
		"application_start": s,
	}, nil
}

func (c *Client) fetchImage(ctx context.Context, class string) ([]byte, error) {
	switch class {
	case device.MostRecentImage:
		return c.getBytes(ctx, "/prepared-image", url.Values{"autoPrepare": {"true"}, "stream": {"true"}})
	case device.Screenshot:
		return c.getBytes(ctx, "/application/screenshot", url.Values{"stream": {"true"}})
	case device.Livestack:
		return c.fetchLivestack(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDevice, class)
	}
}

// fetchLivestack streams the first stack listed as available. No
// available stack is not an error; the result simply has no image.
func (c *Client) fetchLivestack(ctx context.Context) ([]byte, error) {
	raw, err := c.getJSON(ctx, "/livestack/image/available", nil)
	if err != nil {
		return nil, err
	}

	var stacks []map[string]any
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &stacks); err != nil {
			return nil, fmt.Errorf("%w: livestack list: %v", ErrMalformedResponse, err)
		}
	}
	if len(stacks) == 0 {
		c.logger.Debug("no livestack images available")
		return nil, nil
	}

	latest := stacks[0]
	target := firstString(latest, "Target", "target")
	filter := firstString(latest, "Filter", "filter")
	if target == "" || filter == "" {
		c.logger.Debug("livestack entry missing target or filter", "entry", latest)
		return nil, nil
	}

	path := "/livestack/image/" + url.PathEscape(target) + "/" + url.PathEscape(filter)
	return c.getBytes(ctx, path, url.Values{"stream": {"true"}})
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Execute runs a validated command against class and returns the JSON
// result to report back to the requester.
func (c *Client) Execute(ctx context.Context, class string, cmd Command) (json.RawMessage, error) {
	if cmd.path == "" {
		return nil, fmt.Errorf("%w: empty command for %s", ErrUnsupportedCommand, class)
	}

	if cmd.binary {
		img, err := c.getBytes(ctx, cmd.path, cmd.query)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(map[string]string{
			"image_base64": base64.StdEncoding.EncodeToString(img),
		})
		if err != nil {
			return nil, fmt.Errorf("encode screenshot: %w", err)
		}
		return out, nil
	}

	raw, err := c.getJSON(ctx, cmd.path, cmd.query)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	out, err := json.Marshal(commandResult{Action: cmd.Action, Response: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", cmd.Action, err)
	}
	return out, nil
}

type commandResult struct {
	Action   string          `json:"action"`
	Response json.RawMessage `json:"response"`
}

// getJSON performs a GET and unwraps the API envelope, returning the
// raw Response field.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	resp, err := c.do(ctx, path, query)
	if err != nil {
		return nil, err
	}
	// Drain and close to ensure connection reuse.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
	}
	if env.Success != nil && !*env.Success {
		code := env.StatusCode
		if code == 0 {
			code = http.StatusBadRequest
		}
		return nil, &StatusError{StatusCode: code, Path: path, Message: env.Error}
	}
	return env.Response, nil
}

func (c *Client) getBytes(ctx context.Context, path string, query url.Values) ([]byte, error) {
	resp, err := c.do(ctx, path, query)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// do issues a GET and converts non-200 statuses into *StatusError.
func (c *Client) do(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, image/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, &StatusError{StatusCode: resp.StatusCode, Path: path, Message: body}
	}
	return resp, nil
}
