package platform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/charmbracelet/log"

	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/ports"
)

// GrabCapture shells out to ffmpeg to grab one PNG frame from the X11
// display. Capture is strictly best-effort: any failure logs and returns
// nil so the session carries on without visual context.
type GrabCapture struct {
	command string
	display string
	log     *log.Logger
}

func NewGrabCapture(command string, logger *log.Logger) *GrabCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if logger == nil {
		logger = log.Default()
	}
	display := os.Getenv("DISPLAY")
	if display == "" {
		display = ":0"
	}
	return &GrabCapture{command: command, display: display, log: logger}
}

func (c *GrabCapture) Capture(ctx context.Context, win *domain.WindowInfo, mode ports.CaptureMode) *domain.Screenshot {
	input := c.display
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "x11grab",
	}
	if mode == ports.CaptureModeWindow && win != nil && win.Bounds != nil {
		b := win.Bounds
		args = append(args,
			"-video_size", fmt.Sprintf("%dx%d", b.Width, b.Height),
		)
		input = fmt.Sprintf("%s+%d,%d", c.display, b.X, b.Y)
	}
	args = append(args,
		"-i", input,
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "png",
		"-",
	)

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		c.log.Warn("screen grab failed", "err", err, "stderr", stderr.String())
		return nil
	}
	if stdout.Len() == 0 {
		c.log.Warn("screen grab produced no data")
		return nil
	}
	return &domain.Screenshot{Data: stdout.Bytes(), MediaType: "image/png"}
}

// NullCapture is the fallback when no grabber is available.
type NullCapture struct{}

func (NullCapture) Capture(context.Context, *domain.WindowInfo, ports.CaptureMode) *domain.Screenshot {
	return nil
}
