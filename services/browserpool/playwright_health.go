package browserpool

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

// DeepHealthProbe performs the optional §4.H CDP-level check: connect
// over CDP and evaluate a trivial expression, mirroring the teacher's
// PlaywrightPoolManager.isHealthy. A failure here never triggers a
// restart by itself — it only downgrades the instance's reported status
// to "degraded" in list_resources; the mandatory process-liveness
// restart logic in the adapter's HealthCheck callback is unchanged.
type DeepHealthProbe struct {
	pw  *playwright.Playwright
	log *zap.Logger
}

// NewDeepHealthProbe starts the shared Playwright driver used for every
// probe. Returns an error if the driver can't start (e.g. not installed);
// callers should treat that as "probe unavailable", not fatal.
func NewDeepHealthProbe(log *zap.Logger) (*DeepHealthProbe, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright driver: %w", err)
	}
	return &DeepHealthProbe{pw: pw, log: log}, nil
}

func (d *DeepHealthProbe) Close() error {
	if d.pw == nil {
		return nil
	}
	return d.pw.Stop()
}

// Check connects over CDP to the instance's debugging port and evaluates
// 1 + 1, returning false on any failure.
func (d *DeepHealthProbe) Check(ctx context.Context, debuggingPort int) bool {
	wsURL := fmt.Sprintf("ws://localhost:%d/devtools/browser", debuggingPort)
	browser, err := d.pw.Chromium.ConnectOverCDP(wsURL)
	if err != nil {
		d.log.Debug("browserpool: deep health probe connect failed", zap.Int("port", debuggingPort), zap.Error(err))
		return false
	}
	defer browser.Close()

	contexts := browser.Contexts()
	if len(contexts) == 0 {
		return false
	}
	pages := contexts[0].Pages()
	if len(pages) == 0 {
		return false
	}

	done := make(chan bool, 1)
	go func() {
		result, err := pages[0].Evaluate("1 + 1")
		done <- err == nil && result != nil
	}()

	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		return false
	case <-time.After(3 * time.Second):
		return false
	}
}
