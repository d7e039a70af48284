package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	model "github.com/zhouzirui/z-tavern/realtime/internal/model/status"
)

// Client queries the service's health and plugin endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a status client rooted at the API base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health fetches GET {api}/health/.
func (c *Client) Health(ctx context.Context) (model.Health, error) {
	var health model.Health
	if err := c.getJSON(ctx, "/health/", &health); err != nil {
		return model.Health{}, err
	}
	return health, nil
}

// Plugins fetches GET {api}/plugins/ sorted by name.
func (c *Client) Plugins(ctx context.Context) ([]model.PluginInfo, error) {
	var byName map[string]model.PluginInfo
	if err := c.getJSON(ctx, "/plugins/", &byName); err != nil {
		return nil, err
	}
	plugins := make([]model.PluginInfo, 0, len(byName))
	for name, info := range byName {
		if info.Name == "" {
			info.Name = name
		}
		plugins = append(plugins, info)
	}
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Name < plugins[j].Name })
	return plugins, nil
}

// Plugin fetches GET {api}/plugins/{name}.
func (c *Client) Plugin(ctx context.Context, name string) (model.PluginInfo, error) {
	var info model.PluginInfo
	if err := c.getJSON(ctx, "/plugins/"+url.PathEscape(name), &info); err != nil {
		return model.PluginInfo{}, err
	}
	return info, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("GET %s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}
