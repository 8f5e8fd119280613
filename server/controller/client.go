// Package controller talks to the external KV placement controller and the
// tokenizer endpoint of the inference engine.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/kvtier/plugin/timeout"
	apierrors "github.com/hrygo/kvtier/server/internal/errors"
)

// Config holds the controller client configuration.
type Config struct {
	// ControllerURL is the base URL of the placement controller API server.
	ControllerURL string
	// EngineURL is the base URL of the inference engine (hosts /tokenize).
	EngineURL string
	// Model is sent with tokenize requests.
	Model string
	// InstanceID identifies this engine instance to the controller.
	InstanceID string
	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() *Config {
	return &Config{
		ControllerURL: "http://127.0.0.1:9000",
		EngineURL:     "http://127.0.0.1:8000",
		Model:         "gemma-3-270m",
		InstanceID:    "lmcache_instance",
		Timeout:       timeout.ControllerCallTimeout,
	}
}

// ConfigFromEnv creates controller config from environment variables.
func ConfigFromEnv() *Config {
	config := DefaultConfig()

	if url := os.Getenv("KVTIER_CONTROLLER_URL"); url != "" {
		config.ControllerURL = url
	}
	if url := os.Getenv("KVTIER_ENGINE_URL"); url != "" {
		config.EngineURL = url
	}
	if model := os.Getenv("KVTIER_MODEL"); model != "" {
		config.Model = model
	}
	if id := os.Getenv("KVTIER_INSTANCE_ID"); id != "" {
		config.InstanceID = id
	}
	if t := os.Getenv("KVTIER_CONTROLLER_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			config.Timeout = d
		}
	}

	return config
}

// Position is an (instance, location) pair. It encodes as a two-element JSON array.
type Position struct {
	InstanceID string
	Location   string
}

func (p Position) String() string {
	return p.InstanceID + "/" + p.Location
}

func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.InstanceID, p.Location})
}

func (p *Position) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return errors.Errorf("position must have 2 elements, got %d", len(pair))
	}
	p.InstanceID, p.Location = pair[0], pair[1]
	return nil
}

// LookupResult reports where the controller holds an entry.
type LookupResult struct {
	Found    bool     `json:"found"`
	Position Position `json:"position"`
	// Tokens is the number of cached tokens, when the controller reports it.
	Tokens int `json:"tokens,omitempty"`
}

// MoveResult is the controller's acknowledgement of a move.
type MoveResult struct {
	EventID   string         `json:"event_id,omitempty"`
	NumTokens int            `json:"num_tokens,omitempty"`
	Raw       map[string]any `json:"-"`
}

// Observer is notified after every request.
type Observer func(op string, d time.Duration, err error)

// Client is an HTTP+JSON client for the placement controller.
type Client struct {
	config     *Config
	httpClient *http.Client
	observe    Observer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithObserver installs a request observer.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observe = o
		}
	}
}

// NewClient creates a new controller client.
func NewClient(config *Config, opts ...Option) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		observe: func(string, time.Duration, error) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InstanceID returns the configured engine instance id.
func (c *Client) InstanceID() string {
	return c.config.InstanceID
}

// Tokenize converts text to token ids using the engine's tokenizer.
func (c *Client) Tokenize(ctx context.Context, text string) (tokens []int, err error) {
	defer c.track("tokenize", time.Now(), &err)

	body, err := c.postJSON(ctx, c.config.EngineURL+"/tokenize", map[string]any{
		"model":  c.config.Model,
		"prompt": text,
	}, apierrors.ErrCodeControllerUnavailable)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		if err := json.Unmarshal(trimmed, &tokens); err != nil {
			return nil, apierrors.MalformedResponse("tokenize response", err)
		}
		return tokens, nil
	}

	var resp struct {
		Tokens *[]int `json:"tokens"`
	}
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, apierrors.MalformedResponse("tokenize response", err)
	}
	if resp.Tokens == nil {
		return nil, apierrors.MalformedResponse("tokenize response has no tokens", nil)
	}
	return *resp.Tokens, nil
}

// Lookup asks the controller where the entry for tokens currently lives.
//
// Two response shapes are accepted: {"found", "instance_id", "location"} and
// {"layout_info": {"<instance>": ["<location>", <tokens>]}}.
func (c *Client) Lookup(ctx context.Context, tokens []int) (result *LookupResult, err error) {
	defer c.track("lookup", time.Now(), &err)

	if tokens == nil {
		tokens = []int{}
	}
	body, err := c.postJSON(ctx, c.config.ControllerURL+"/lookup", map[string]any{
		"tokens": tokens,
	}, apierrors.ErrCodeControllerUnavailable)
	if err != nil {
		return nil, err
	}
	return parseLookup(body)
}

func parseLookup(body []byte) (*LookupResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, apierrors.MalformedResponse("lookup response", err)
	}

	if _, ok := fields["found"]; ok {
		var flat struct {
			Found      bool   `json:"found"`
			InstanceID string `json:"instance_id"`
			Location   string `json:"location"`
			Tokens     int    `json:"num_tokens"`
		}
		if err := json.Unmarshal(body, &flat); err != nil {
			return nil, apierrors.MalformedResponse("lookup response", err)
		}
		if !flat.Found {
			return &LookupResult{}, nil
		}
		if flat.Location == "" {
			return nil, apierrors.MalformedResponse("lookup reported found without location", nil)
		}
		return &LookupResult{
			Found:    true,
			Position: Position{InstanceID: flat.InstanceID, Location: flat.Location},
			Tokens:   flat.Tokens,
		}, nil
	}

	raw, ok := fields["layout_info"]
	if !ok {
		return nil, apierrors.MalformedResponse("lookup response has neither found nor layout_info", nil)
	}
	var layout map[string][]json.RawMessage
	if err := json.Unmarshal(raw, &layout); err != nil {
		return nil, apierrors.MalformedResponse("layout_info", err)
	}
	if len(layout) == 0 {
		return &LookupResult{}, nil
	}

	instances := make([]string, 0, len(layout))
	for id := range layout {
		instances = append(instances, id)
	}
	sort.Strings(instances)
	instance := instances[0]
	entry := layout[instance]
	if len(entry) == 0 {
		return nil, apierrors.MalformedResponse("layout_info entry is empty", nil)
	}

	result := &LookupResult{Found: true, Position: Position{InstanceID: instance}}
	if err := json.Unmarshal(entry[0], &result.Position.Location); err != nil {
		return nil, apierrors.MalformedResponse("layout_info location", err)
	}
	if len(entry) > 1 {
		_ = json.Unmarshal(entry[1], &result.Tokens)
	}
	return result, nil
}

// Move asks the controller to relocate an entry. It is never retried.
func (c *Client) Move(ctx context.Context, from, to Position) (result *MoveResult, err error) {
	defer c.track("move", time.Now(), &err)

	body, err := c.postJSON(ctx, c.config.ControllerURL+"/move", map[string]any{
		"old_position": from,
		"new_position": to,
	}, apierrors.ErrCodeMoveFailed)
	if err != nil {
		return nil, err
	}

	result = &MoveResult{}
	if len(bytes.TrimSpace(body)) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(body, &result.Raw); err != nil {
		return nil, apierrors.MalformedResponse("move response", err)
	}
	if id, ok := result.Raw["event_id"].(string); ok {
		result.EventID = id
	}
	if n, ok := result.Raw["num_tokens"].(float64); ok {
		result.NumTokens = int(n)
	}
	return result, nil
}

// Health probes the controller.
func (c *Client) Health(ctx context.Context) (status map[string]any, err error) {
	defer c.track("health", time.Now(), &err)

	ctx, cancel := context.WithTimeout(ctx, timeout.HealthTimeout)
	defer cancel()

	body, err := c.postJSON(ctx, c.config.ControllerURL+"/health", map[string]any{
		"instance_id": c.config.InstanceID,
	}, apierrors.ErrCodeControllerUnavailable)
	if err != nil {
		return nil, err
	}
	status = map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &status); err != nil {
			return nil, apierrors.MalformedResponse("health response", err)
		}
	}
	return status, nil
}

// Hydrate uploads a serialized KV payload so the engine can insert it into
// accelerator memory.
func (c *Client) Hydrate(ctx context.Context, key string, blob []byte, meta map[string]string) (status map[string]any, err error) {
	defer c.track("hydrate", time.Now(), &err)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("key", key); err != nil {
		return nil, errors.Wrap(err, "failed to write key field")
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode meta")
	}
	if err := w.WriteField("meta", string(metaJSON)); err != nil {
		return nil, errors.Wrap(err, "failed to write meta field")
	}
	part, err := w.CreateFormFile("blob", "kv.bin")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create blob part")
	}
	if _, err := part.Write(blob); err != nil {
		return nil, errors.Wrap(err, "failed to write blob part")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finish multipart body")
	}

	body, err := c.do(ctx, c.config.ControllerURL+"/kv/hydrate", w.FormDataContentType(), &buf, apierrors.ErrCodeControllerUnavailable)
	if err != nil {
		return nil, err
	}
	status = map[string]any{}
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, apierrors.MalformedResponse("hydrate response", err)
	}
	return status, nil
}

func (c *Client) postJSON(ctx context.Context, url string, payload any, failCode apierrors.ErrorCode) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apierrors.Wrap(err, apierrors.ErrCodeInvalidArgument, "failed to encode request")
	}
	return c.do(ctx, url, "application/json", bytes.NewReader(data), failCode)
}

func (c *Client) do(ctx context.Context, url, contentType string, body io.Reader, failCode apierrors.ErrorCode) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, apierrors.Wrap(err, apierrors.ErrCodeInvalidArgument, "failed to create request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierrors.FromTransport(err, apierrors.ErrCodeControllerUnavailable, "request to "+url+" failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierrors.FromTransport(err, apierrors.ErrCodeControllerUnavailable, "failed to read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierrors.Wrap(nil, failCode,
			fmt.Sprintf("%s returned status %d: %s", url, resp.StatusCode, timeout.Truncate(strings.TrimSpace(string(respBody)))))
	}
	return respBody, nil
}

func (c *Client) track(op string, start time.Time, err *error) {
	c.observe(op, time.Since(start), *err)
}
