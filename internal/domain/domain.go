package domain

import "time"

// OverdueBehavior is applied when an incomplete instance reaches its hard deadline.
type OverdueBehavior string

const (
	BehaviorKeep          OverdueBehavior = "keep"
	BehaviorRotate        OverdueBehavior = "rotate"
	BehaviorKeepAndRotate OverdueBehavior = "keep_and_rotate"
)

// Instance statuses. Completion is a timestamp on the instance, not a status:
// a completed instance stays active until the engine terminates it.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
)

// Completion history triggers.
const (
	TriggerExternallyObserved = "externally_observed"
	TriggerPolicyReassignment = "policy_reassignment"
)

type User struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	CredentialsJSON string `json:"-"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type TaskDefinition struct {
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	RepeatPeriod time.Duration   `json:"repeat_period"`
	GracePeriod  time.Duration   `json:"grace_period"`
	ActiveFrom   *time.Time      `json:"active_from,omitempty"`
	Actors       []string        `json:"actors"`
	Behavior     OverdueBehavior `json:"behavior" enum:"keep,rotate,keep_and_rotate"`
	Retired      bool            `json:"retired"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

type TaskInstance struct {
	ID             string     `json:"id"`
	DefinitionName string     `json:"definition_name"`
	AssignedUser   string     `json:"assigned_user"`
	ExternalID     *string    `json:"external_id,omitempty"`
	AssignedAt     time.Time  `json:"assigned_at"`
	SoftDeadline   time.Time  `json:"soft_deadline"`
	HardDeadline   time.Time  `json:"hard_deadline"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	SyncMarker     string     `json:"sync_marker"`
	Status         string     `json:"status" enum:"active,terminated"`
	// Version increments on every store update; compare-and-set guard.
	Version int64 `json:"-"`
}

// Completed reports whether a completion time is recorded.
func (i TaskInstance) Completed() bool { return i.CompletedAt != nil }

type CompletionEntry struct {
	ID          int64     `json:"id"`
	InstanceID  string    `json:"instance_id"`
	User        string    `json:"user"`
	CompletedAt time.Time `json:"completed_at"`
	Trigger     string    `json:"trigger" enum:"externally_observed,policy_reassignment"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// NextActor returns the actor following current in the rotation, wrapping to
// the first after the last. An unknown current actor resolves to the first.
func (d TaskDefinition) NextActor(current string) string {
	if len(d.Actors) == 0 {
		return ""
	}
	for i, a := range d.Actors {
		if a == current {
			return d.Actors[(i+1)%len(d.Actors)]
		}
	}
	return d.Actors[0]
}
