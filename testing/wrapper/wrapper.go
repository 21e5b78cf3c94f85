// Package wrapper controls peer processes that run under cmd/wrapper. Each
// wrapper exposes /start, /stop, /reset, /shutdown and /ready over HTTP, which
// lets a harness crash and restart peers from outside.
package wrapper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Alias names a managed peer. Unless an explicit address is registered it is
// also the wrapper's host name.
type Alias string

type WrapperManager struct {
	ManagedNodes []Alias
	Port         int
	Client       *http.Client

	mu    sync.RWMutex
	addrs map[Alias]string
}

// NewWrapperManager creates a new WrapperManager for the specified nodes and port.
func NewWrapperManager(port int, nodes ...Alias) *WrapperManager {
	return &WrapperManager{
		ManagedNodes: nodes,
		Port:         port,
		Client:       &http.Client{Timeout: 10 * time.Second},
		addrs:        make(map[Alias]string),
	}
}

// SetAddr routes calls for node to addr (host:port) instead of node:Port.
func (wm *WrapperManager) SetAddr(node Alias, addr string) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.addrs[node] = addr
}

func (wm *WrapperManager) addr(node Alias) string {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	if a, ok := wm.addrs[node]; ok {
		return a
	}
	return net.JoinHostPort(string(node), strconv.Itoa(wm.Port))
}

// Start launches the peer on node.
func (wm *WrapperManager) Start(ctx context.Context, node Alias) error {
	return wm.call(ctx, node, "start")
}

// Stop terminates the peer on node, which looks like a crash to the others.
func (wm *WrapperManager) Stop(ctx context.Context, node Alias) error {
	return wm.call(ctx, node, "stop")
}

// Reset stops and then starts the peer on node.
func (wm *WrapperManager) Reset(ctx context.Context, node Alias) error {
	return wm.call(ctx, node, "reset")
}

// Shutdown stops the peer and the wrapper itself.
func (wm *WrapperManager) Shutdown(ctx context.Context, node Alias) error {
	return wm.call(ctx, node, "shutdown")
}

// Ready reports whether the peer on node is running.
func (wm *WrapperManager) Ready(ctx context.Context, node Alias) error {
	return wm.call(ctx, node, "ready")
}

// AwaitReady polls Ready until it succeeds or ctx ends.
func (wm *WrapperManager) AwaitReady(ctx context.Context, node Alias, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		err := wm.Ready(ctx, node)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s never became ready: %w", node, err)
		case <-ticker.C:
		}
	}
}

func (wm *WrapperManager) ReadyAll(ctx context.Context) map[Alias]error {
	return wm.parallel(ctx, wm.ManagedNodes, wm.Ready)
}

func (wm *WrapperManager) StartAll(ctx context.Context) map[Alias]error {
	return wm.parallel(ctx, wm.ManagedNodes, wm.Start)
}

func (wm *WrapperManager) StopAll(ctx context.Context) map[Alias]error {
	return wm.parallel(ctx, wm.ManagedNodes, wm.Stop)
}

func (wm *WrapperManager) ResetAll(ctx context.Context) map[Alias]error {
	return wm.parallel(ctx, wm.ManagedNodes, wm.Reset)
}

func (wm *WrapperManager) ShutdownAll(ctx context.Context) map[Alias]error {
	return wm.parallel(ctx, wm.ManagedNodes, wm.Shutdown)
}

// call performs the HTTP POST to the node action endpoint using the provided context.
func (wm *WrapperManager) call(ctx context.Context, node Alias, action string) error {
	url := fmt.Sprintf("http://%s/%s", wm.addr(node), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := wm.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("request %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// parallel runs action for each node concurrently and collects errors.
func (wm *WrapperManager) parallel(ctx context.Context, nodes []Alias, action func(context.Context, Alias) error) map[Alias]error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[Alias]error, len(nodes))
	)
	for _, n := range nodes {
		node := n
		wg.Go(func() {
			err := action(ctx, node)
			mu.Lock()
			results[node] = err
			mu.Unlock()
		})
	}
	wg.Wait()
	return results
}
