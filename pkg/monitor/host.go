package monitor

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/host"
)

var hostInfo = host.InfoWithContext

// Hostname names the kill log partition for this node.
func Hostname(ctx context.Context) (string, error) {
	info, err := hostInfo(ctx)
	if err == nil && info.Hostname != "" {
		return info.Hostname, nil
	}
	return os.Hostname()
}
