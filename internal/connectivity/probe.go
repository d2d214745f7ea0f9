// Package connectivity tracks whether the online recognition gateways are
// reachable and notifies subscribers of transitions.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe is what the engine consults before choosing a backend.
type Probe interface {
	IsOnline() bool
	// Watch returns a channel receiving online/offline transitions. The
	// channel is closed when the prober shuts down.
	Watch() <-chan bool
}

// Static is a fixed-answer probe for tests and forced-offline deployments.
type Static bool

func (s Static) IsOnline() bool    { return bool(s) }
func (s Static) Watch() <-chan bool {
	ch := make(chan bool)
	close(ch)
	return ch
}

// Prober polls a lightweight HTTP endpoint on an interval and fans out
// debounced transitions. A single failed probe does not flip the state; two
// consecutive answers must agree.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      *slog.Logger

	mu       sync.Mutex
	online   bool
	lastSeen bool
	watchers []chan bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewProber(url string, interval time.Duration, log *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 3 * time.Second},
		log:      log.With(slog.String("component", "connectivity")),
		online:   true, // assume online until a probe says otherwise
		lastSeen: true,
		done:     make(chan struct{}),
	}
}

func (p *Prober) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	go p.run(ctx)
}

func (p *Prober) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
	p.mu.Lock()
	for _, w := range p.watchers {
		close(w)
	}
	p.watchers = nil
	p.mu.Unlock()
}

func (p *Prober) IsOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *Prober) Watch() <-chan bool {
	ch := make(chan bool, 1)
	p.mu.Lock()
	p.watchers = append(p.watchers, ch)
	p.mu.Unlock()
	return ch
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.observe(p.probeOnce(ctx))
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// observe applies the two-in-a-row debounce and notifies watchers on a flip.
func (p *Prober) observe(reachable bool) {
	p.mu.Lock()
	flip := reachable == p.lastSeen && reachable != p.online
	p.lastSeen = reachable
	if !flip {
		p.mu.Unlock()
		return
	}
	p.online = reachable
	watchers := make([]chan bool, len(p.watchers))
	copy(watchers, p.watchers)
	p.mu.Unlock()

	p.log.Info("connectivity changed", slog.Bool("online", reachable))
	for _, w := range watchers {
		select {
		case w <- reachable:
		default: // slow watcher keeps only the freshest transition
			select {
			case <-w:
			default:
			}
			select {
			case w <- reachable:
			default:
			}
		}
	}
}
