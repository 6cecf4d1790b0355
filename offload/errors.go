package offload

import "github.com/pkg/errors"

// Configuration errors. The layout they would produce is undefined, so the
// offload must not continue.
var (
	ErrUnsupportedDimensionality = errors.New("unsupported array dimensionality")
	ErrPolicyNotSupported        = errors.New("distribution policy not supported")
	ErrMapCacheFull              = errors.New("map cache capacity exceeded")
	ErrInvalidDistribution       = errors.New("invalid distribution")
	ErrInvalidConfig             = errors.New("invalid offload configuration")
)

// ErrMapNotFound is returned with a nil map when ResolveMap exhausts the
// cache, the offload's own variables and the inheritance stack.
var ErrMapNotFound = errors.New("data map not found")

// ErrUnsupportedHalo marks a halo exchange outside the 2-D, dimension 0,
// contiguous case. The exchange is skipped.
var ErrUnsupportedHalo = errors.New("unsupported halo configuration")

// Synchronization hazards.
var (
	ErrBarrierBroken = errors.New("offload barrier broken")
	ErrAccessLevel   = errors.New("data map not at required access level")
)
