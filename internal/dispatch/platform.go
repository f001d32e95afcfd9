package dispatch

import "context"

// Platform resolves destinations on the chat service (for Discord: channels).
type Platform interface {
	Destination(ctx context.Context, id string) (Destination, error)
}

// Destination is a resolved delivery target.
type Destination interface {
	// Authority returns the entity owning the destination's recipient
	// groups (for Discord: the channel's guild).
	Authority(ctx context.Context) (Authority, error)
}

// Authority resolves recipient groups (for Discord: roles).
type Authority interface {
	Group(ctx context.Context, id string) (Toggle, error)
}

// Toggle flips whether a recipient group gets notified by mentions.
// Errors matching ErrPermissionDenied are tolerated by Flush.
type Toggle interface {
	SetNotifiable(ctx context.Context, on bool) error
}
