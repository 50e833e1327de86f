package portal

import (
	"context"
	"os"
	"path/filepath"
)

// ForwardMarker delimits spans of the command vector whose entries
// name host files to forward through the document portal.
const ForwardMarker = "@@"

// A Forwarder registers one host file for a sandboxed application and
// returns the path usable from inside the sandbox.
type Forwarder interface {
	Forward(ctx context.Context, name, appID string) (string, error)
}

// RewriteArgs replaces command arguments between pairs of
// [ForwardMarker] with forwarded document paths. Marker tokens are
// consumed; entries that do not name an existing regular file pass
// through unchanged.
func RewriteArgs(ctx context.Context, fwd Forwarder, appID string, args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	forwarding := false
	for _, a := range args {
		if a == ForwardMarker {
			forwarding = !forwarding
			continue
		}
		if !forwarding {
			out = append(out, a)
			continue
		}

		name, err := filepath.Abs(a)
		if err != nil {
			return nil, err
		}
		if fi, err := os.Stat(name); err != nil || !fi.Mode().IsRegular() {
			out = append(out, a)
			continue
		}
		p, err := fwd.Forward(ctx, name, appID)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
