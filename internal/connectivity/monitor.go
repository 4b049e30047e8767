// Package connectivity tracks whether the backend is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Prober reports whether the network path to the backend works right now.
type Prober interface {
	Reachable(ctx context.Context) bool
}

// Monitor holds the online flag. Subscribers are signalled once per
// offline→online transition; repeated online reports are not transitions.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []chan struct{}
	logger *slog.Logger
}

// NewMonitor returns a Monitor that starts offline.
func NewMonitor() *Monitor {
	return &Monitor{logger: slog.Default()}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel that receives a value when connectivity is
// restored. Signals that arrive while one is still unread are coalesced.
func (m *Monitor) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Report updates the state from a reachability observation.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.online {
		return
	}
	m.online = online
	if !online {
		m.logger.Info("connectivity lost")
		return
	}

	m.logger.Info("connectivity restored")
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run probes at interval until ctx is cancelled. The first probe runs immediately.
func (m *Monitor) Run(ctx context.Context, p Prober, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.Report(p.Reachable(ctx))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HTTPProber treats any HTTP response from the health URL as reachable.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber probes baseURL + "/health".
func NewHTTPProber(baseURL string) *HTTPProber {
	return &HTTPProber{
		url:    strings.TrimRight(baseURL, "/") + "/health",
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (p *HTTPProber) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
