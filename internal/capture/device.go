package capture

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// Device identifies a capture device and the format a session opens it with.
type Device struct {
	Path   string
	Width  int
	Height int
	FPS    int
}

// Discovery probes video devices on the host. Presence checks are
// best-effort: a missing v4l2-ctl binary degrades to a plain device-node
// check rather than failing.
type Discovery struct {
	glob string
}

// NewDiscovery returns a Discovery scanning the default /dev/video* nodes.
func NewDiscovery() *Discovery {
	return &Discovery{glob: "/dev/video*"}
}

// ScanDevices returns the paths of video device nodes present on the host,
// sorted for stable ordering.
func (d *Discovery) ScanDevices(_ context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.glob)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// IsAvailable reports whether the device node exists and, when v4l2-ctl is
// installed, whether the driver answers an info query.
func (d *Discovery) IsAvailable(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if _, err := exec.LookPath("v4l2-ctl"); err != nil {
		// No probe tool; the node existing is the best signal we have.
		return true
	}
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", path, "--info")
	return cmd.Run() == nil
}
