package runtime

import (
	"context"
	"fmt"

	"github.com/lucasnoah/nucleiforge/internal/command"
	"github.com/lucasnoah/nucleiforge/internal/logger"
)

// New selects a backend at startup.
//
//	sdk   Docker SDK only; fails if the daemon is unreachable
//	cli   docker CLI only
//	auto  SDK with CLI fallback, or CLI alone when the SDK cannot connect
func New(ctx context.Context, backend string, cmd command.Runner, log *logger.Logger) (Runtime, error) {
	if log == nil {
		log = logger.Nop()
	}
	switch backend {
	case "sdk":
		sdk, err := NewDocker(ctx, "")
		if err != nil {
			return nil, err
		}
		return sdk, nil
	case "cli":
		return NewCLI(cmd), nil
	case "auto", "":
		sdk, err := NewDocker(ctx, "")
		if err != nil {
			log.Warn("docker SDK unavailable, using docker CLI", "error", err)
			return NewCLI(cmd), nil
		}
		return NewFallback(sdk, NewCLI(cmd), log), nil
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", backend)
	}
}
