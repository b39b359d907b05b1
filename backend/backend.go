package backend

import "context"

// ValidationResult mirrors the management backend's validate-key response.
type ValidationResult struct {
	Valid                bool    `json:"valid"`
	UserID               *string `json:"user_id"`
	Email                *string `json:"email"`
	PlanType             *string `json:"plan_type"`
	MaxConcurrentTunnels *uint32 `json:"max_concurrent_tunnels"`
	MaxBandwidthGB       *uint64 `json:"max_bandwidth_gb"`
	UsageAllowed         bool    `json:"usage_allowed"`
	Message              *string `json:"message"`
	InstanceID           *string `json:"instance_id"`
}

// ValidationOracle turns an opaque client key into a user identity and
// quota. Implementations must answer within BackendValidationTimeout; a
// transport error is authentication-fatal for that handshake only.
type ValidationOracle interface {
	Validate(ctx context.Context, apiKey string) (*ValidationResult, error)
}

// UsageReporter is a best-effort side channel for session accounting.
// Failures are logged by callers and never fail a tunnel.
type UsageReporter interface {
	SessionStart(ctx context.Context, userID string, publicPort, localPort uint16, serverID string) (string, error)
	SessionEnd(ctx context.Context, sessionID string, bytesTransferred uint64) error
	LogUsage(ctx context.Context, userID, sessionID string, bytesIn, bytesOut uint64) error
	TunnelConnected(ctx context.Context, instanceID string, remotePort *uint16, publicURL *string) error
	TunnelDisconnected(ctx context.Context, instanceID string) error
}
