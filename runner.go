package taniwha

import "context"

type (
	// NodeRunner executes a command on a hypervisor node and returns its
	// combined output.
	NodeRunner interface {
		Run(ctx context.Context, node, command string, args ...string) ([]byte, error)
	}
)
