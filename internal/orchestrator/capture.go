package orchestrator

import (
	"context"
	"time"

	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/ports"
)

// captureContext grabs the active window and a screenshot concurrently
// with recording startup. Capture failure is never fatal; the session
// just proceeds without visual context. The overlay is revealed as soon
// as the capture attempt resolves, before the highlight flash plays out.
func (o *Orchestrator) captureContext(sess *session, epoch int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var win *domain.WindowInfo
	if o.windows != nil {
		win = o.windows.ActiveWindow(ctx)
	}

	mode := ports.CaptureModeScreen
	var bounds *domain.Bounds
	if win != nil && win.Bounds != nil {
		mode = ports.CaptureModeWindow
		bounds = win.Bounds
	}
	if o.highlight != nil {
		o.highlight.Show(bounds)
	}

	var shot *domain.Screenshot
	if o.capture != nil {
		shot = o.capture.Capture(ctx, win, mode)
	}

	o.mu.Lock()
	current := epoch == o.epoch
	if current {
		sess.window = win
		sess.screenshot = shot
	}
	o.mu.Unlock()

	// A capture resolving after cancel must not resurrect the overlay.
	// captureDone still closes so finalize never blocks on it.
	if !current {
		close(sess.captureDone)
		return
	}

	if shot != nil {
		o.events.ScreenshotAvailable(shot)
	} else {
		o.log.Warn("screen capture unavailable, continuing without visual context")
	}
	o.events.SessionShown()
	close(sess.captureDone)

	if o.highlight != nil {
		o.highlight.Flash()
		time.Sleep(o.cfg.FlashDuration)
		o.highlight.Hide()
	}
}
