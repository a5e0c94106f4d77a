//go:build windows

package detector

import (
	"context"
	"fmt"
	"os/exec"
)

func platformAlive(ctx context.Context, d ProcessTable) (bool, error) {
	// #nosec G204 -- pid is an integer
	out, err := exec.CommandContext(ctx, "tasklist", "/v", "/fi", fmt.Sprintf("pid eq %d", d.PID)).Output()
	if err != nil {
		return false, fmt.Errorf("tasklist: %w", err)
	}
	return parseTasklist(out, d.PID, d.Executable), nil
}
