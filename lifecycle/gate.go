package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
)

// HTTPGate queries an external dependency-graph service for a
// ticket's incomplete dependencies. The service exposes
// GET {base}/incomplete?ticket=<id> returning a JSON array of ticket
// ids.
type HTTPGate struct {
	base   string
	client *http.Client
}

// NewHTTPGate creates an HTTPGate for the given base URL.
func NewHTTPGate(baseURL string) *HTTPGate {
	return &HTTPGate{
		base:   baseURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *HTTPGate) IncompleteDependencies(ctx context.Context, ticketID string) ([]string, error) {
	u := g.base + "/incomplete?ticket=" + url.QueryEscape(ticketID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dependency gate returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var incomplete []string
	if err := sonic.Unmarshal(body, &incomplete); err != nil {
		return nil, err
	}
	return incomplete, nil
}
