package platform

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/stouffer-labs/topside/internal/domain"
)

// XWindowService reports the focused X11 window via xdotool. Detection
// is best-effort; any failure yields nil and the session falls back to
// whole-screen capture.
type XWindowService struct {
	command string
	log     *log.Logger
}

func NewXWindowService(logger *log.Logger) *XWindowService {
	if logger == nil {
		logger = log.Default()
	}
	return &XWindowService{command: "xdotool", log: logger}
}

func (s *XWindowService) ActiveWindow(ctx context.Context) *domain.WindowInfo {
	id, err := s.run(ctx, "getactivewindow")
	if err != nil {
		s.log.Debug("active window lookup failed", "err", err)
		return nil
	}

	info := &domain.WindowInfo{}
	if title, err := s.run(ctx, "getwindowname", id); err == nil {
		info.Title = title
	}
	if owner, err := s.run(ctx, "getwindowclassname", id); err == nil {
		info.Owner = owner
	}
	if geom, err := s.run(ctx, "getwindowgeometry", "--shell", id); err == nil {
		info.Bounds = parseGeometry(geom)
	}
	if info.Title == "" && info.Owner == "" {
		return nil
	}
	return info
}

func (s *XWindowService) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.command, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

// parseGeometry reads xdotool's --shell output (X=..., Y=..., WIDTH=...,
// HEIGHT=... lines).
func parseGeometry(out string) *domain.Bounds {
	values := map[string]int{}
	for _, line := range strings.Split(out, "\n") {
		key, raw, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(raw); err == nil {
			values[key] = n
		}
	}
	if values["WIDTH"] <= 0 || values["HEIGHT"] <= 0 {
		return nil
	}
	return &domain.Bounds{
		X:      values["X"],
		Y:      values["Y"],
		Width:  values["WIDTH"],
		Height: values["HEIGHT"],
	}
}

// NullWindowService never finds a window.
type NullWindowService struct{}

func (NullWindowService) ActiveWindow(context.Context) *domain.WindowInfo { return nil }
