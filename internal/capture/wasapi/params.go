package wasapi

import (
	"fmt"

	"github.com/breeze-rmm/apploopback/internal/capture"
)

const (
	activationTypeProcessLoopback = 1

	// PROCESS_LOOPBACK_MODE_INCLUDE_TARGET_PROCESS_TREE. The only other mode
	// (1) captures everything except the tree, so it is never sent.
	loopbackModeIncludeTree = 0
)

// loopbackMode maps target to a PROCESS_LOOPBACK_MODE. Windows cannot scope
// a stream to the target process alone, so a target without descendants is
// rejected.
func loopbackMode(target capture.Target) (uint32, error) {
	if !target.IncludeDescendants {
		return 0, fmt.Errorf("%w: process loopback always includes the descendants of pid %d",
			capture.ErrUnsupportedPlatform, target.ProcessID)
	}
	return loopbackModeIncludeTree, nil
}
