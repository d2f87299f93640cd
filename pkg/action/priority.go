package action

// Priority levels from spec section 4.4. Fast-track and non-fast-track
// actions share the same integer range; ordering additionally considers the
// FastTrack label (see Less in order.go).
const (
	PrioritySlowOp      = 0
	PrioritySynchronize = 1
	PriorityNormal      = 1
	PriorityFollower    = 1
	PriorityIndex       = 2
	PriorityLeader      = 2
	PriorityHigher      = 2
	PriorityResign      = 3
)

// LabelFastTrack is the label a worker and an action can carry so that
// exactly one worker is always reserved for fast-track admission.
const LabelFastTrack = "fastTrack"
