package swim

import (
	"context"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// PingRequest carries the sender and a sample of its view.
type PingRequest struct {
	From  types.Node   `json:"from"`
	Nodes []types.Node `json:"nodes"`
}

// PingResponse carries the responder, the responder's copy of the sender and
// a sample of the responder's view.
type PingResponse struct {
	Self  types.Node   `json:"self"`
	You   *types.Node  `json:"you,omitempty"`
	Nodes []types.Node `json:"nodes"`
}

// ProbeRequest asks a peer to ping NodeID on the caller's behalf.
type ProbeRequest struct {
	NodeID string `json:"node_id"`
}

// ProbeResponse reports whether the target answered the helper.
type ProbeResponse struct {
	Reachable bool `json:"reachable"`
}

// Client sends protocol messages to the node listening at address.
type Client interface {
	Ping(ctx context.Context, address string, req PingRequest) (PingResponse, error)
	IndirectProbe(ctx context.Context, address string, req ProbeRequest) (ProbeResponse, error)
}
