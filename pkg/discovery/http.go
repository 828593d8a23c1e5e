package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/raskyld/dealer/pkg/router"
)

// maxHostsBody bounds the size of a hosts document.
const maxHostsBody = 1 << 20

// HTTP fetches a hosts document with GET, only 200 answers are accepted.
type HTTP struct {
	url         string
	client      *http.Client
	defaultPort int

	lk      sync.Mutex
	tracker tracker
}

// NewHTTP fetches url with client, http.DefaultClient when nil.
func NewHTTP(url string, client *http.Client, defaultPort int) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{url: url, client: client, defaultPort: defaultPort}
}

func (h *HTTP) Fetch(ctx context.Context) ([]router.Endpoint, bool, error) {
	h.lk.Lock()
	defer h.lk.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return h.tracker.last, false, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return h.tracker.last, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return h.tracker.last, false, fmt.Errorf("%w: %s: %s", ErrUnexpectedStatus, h.url, resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxHostsBody))
	if err != nil {
		return h.tracker.last, false, err
	}
	endpoints, err := ParseHosts(string(b), h.defaultPort)
	if err != nil {
		return h.tracker.last, false, fmt.Errorf("%s: %w", h.url, err)
	}
	return endpoints, h.tracker.observe(endpoints), nil
}
