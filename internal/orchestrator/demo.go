package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Previewer boots a preview server in a workspace and snapshots one page.
type Previewer interface {
	Capture(ctx context.Context, dir string, args []string, url, dest string) error
}

// HTTPPreviewer starts the preview command, polls url until it answers 2xx,
// writes the response body to dest, and then stops the server.
type HTTPPreviewer struct {
	Client       *http.Client
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

// NewHTTPPreviewer returns an HTTPPreviewer with a one minute readiness budget.
func NewHTTPPreviewer() *HTTPPreviewer {
	return &HTTPPreviewer{
		Client:       &http.Client{Timeout: 5 * time.Second},
		ReadyTimeout: time.Minute,
		PollInterval: 500 * time.Millisecond,
	}
}

func (p *HTTPPreviewer) Capture(ctx context.Context, dir string, args []string, url, dest string) error {
	if len(args) == 0 {
		return fmt.Errorf("empty preview command")
	}
	srvCtx, stop := context.WithCancel(ctx)
	defer stop()

	cmd := exec.CommandContext(srvCtx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "BROWSER=none")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start preview: %w", err)
	}
	defer func() {
		stop()
		_ = cmd.Wait()
	}()

	body, err := p.poll(ctx, url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	return os.WriteFile(dest, body, 0o644)
}

func (p *HTTPPreviewer) poll(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("preview url: %w", err)
		}
		resp, err := p.Client.Do(req)
		if err == nil {
			body, rerr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			_ = resp.Body.Close()
			if rerr == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return body, nil
			}
			lastErr = fmt.Errorf("preview answered %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("preview not ready at %s: %v", url, lastErr)
		case <-ticker.C:
		}
	}
}
