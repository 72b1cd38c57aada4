package engine

import (
	"fmt"
	"time"

	"rotaro/internal/domain"
	"rotaro/internal/external"
)

// IntentOp tags an external side effect requested by the engine. The engine
// never calls the provider; the driver executes intents in order.
type IntentOp string

const (
	OpCreateExternalItem IntentOp = "create_external_item"
	OpRemoveExternalItem IntentOp = "remove_external_item"
)

type Intent struct {
	Op         IntentOp
	User       string
	Category   string
	InstanceID string
	SyncMarker string
	Title      string
	Notes      string
	ExternalID string
}

// Env provides the lookups reconciliation needs beyond its direct inputs.
// All of it is trivially fakeable; Reconcile itself does no I/O.
type Env struct {
	// Users maps resolvable actor names; actors absent here are skipped when
	// computing rotation.
	Users map[string]bool
	// ActiveForUser returns the active instance a user already holds for a
	// definition, or nil. Rotation re-arms it instead of creating a duplicate.
	ActiveForUser func(definition, user string) *domain.TaskInstance
	NewID         func() string
	NewMarker     func() string
}

// Decision is the full outcome of reconciling one instance at one moment.
type Decision struct {
	Instance    domain.TaskInstance
	Changed     bool
	Completions []domain.CompletionEntry
	// Updated carries secondary instance updates (a rotation target re-armed).
	Updated      []domain.TaskInstance
	NewInstances []domain.TaskInstance
	Intents      []Intent
	// Skipped is set when a rule matched but could not be applied (e.g. no
	// resolvable rotation target); the cycle logs it and moves on.
	Skipped string
}

// Reconcile evaluates the decision table for one active instance. Rules are
// checked in order; the first match wins. Completion-derived rules run before
// the hard-deadline rule, so a completed task always rotates through the
// fresh-assignment path even past its hard deadline.
func Reconcile(inst domain.TaskInstance, def domain.TaskDefinition, view external.View, now time.Time, env Env) Decision {
	d := Decision{Instance: inst}

	// An instance whose item was never materialized externally (create intent
	// dropped for lack of credentials, or a provider failure) is recreated as
	// soon as the view is observable again. Absence without a recorded
	// external id is not a completion. Past the hard deadline the overdue
	// rules take over instead.
	if view.Known && !view.Present && inst.ExternalID == nil && !inst.Completed() && now.Before(inst.HardDeadline) {
		d.Intents = append(d.Intents, createIntent(d.Instance, def, now))
		return d
	}

	// Adopt the provider-side id if the store lost track of it.
	if view.Known && view.Present && inst.ExternalID == nil && view.ExternalID != "" {
		id := view.ExternalID
		d.Instance.ExternalID = &id
		d.Changed = true
	}

	// Rule 1: externally observed completion, either the item marked done or
	// a known-materialized item gone from the list.
	if view.Known && !inst.Completed() &&
		((view.Present && view.Done) || (!view.Present && inst.ExternalID != nil)) {
		t := now
		d.Instance.CompletedAt = &t
		d.Changed = true
		d.Completions = append(d.Completions, domain.CompletionEntry{
			InstanceID:  inst.ID,
			User:        inst.AssignedUser,
			CompletedAt: now,
			Trigger:     domain.TriggerExternallyObserved,
		})
		return d
	}

	// Rule 2: completed, repeat window still running.
	if d.Instance.Completed() && now.Before(d.Instance.SoftDeadline) {
		return d
	}

	// Rule 3: completed and past the soft deadline: fresh round, same holder.
	if d.Instance.Completed() {
		if d.Instance.ExternalID != nil && view.Known && view.Present {
			d.Intents = append(d.Intents, removeIntent(d.Instance, def))
		}
		rearm(&d.Instance, def, now, env.NewMarker())
		d.Changed = true
		d.Intents = append(d.Intents, createIntent(d.Instance, def, now))
		return d
	}

	// Rule 4: incomplete past the soft deadline but inside the grace window;
	// advance the soft deadline so the rule does not refire every cycle.
	if !now.Before(d.Instance.SoftDeadline) && now.Before(d.Instance.HardDeadline) {
		next := now.Add(def.RepeatPeriod)
		if next.After(d.Instance.HardDeadline) {
			next = d.Instance.HardDeadline
		}
		if !next.Equal(d.Instance.SoftDeadline) {
			d.Instance.SoftDeadline = next
			d.Changed = true
		}
		return d
	}

	// Rule 5: incomplete past the hard deadline; apply the overdue behavior.
	if !now.Before(d.Instance.HardDeadline) {
		applyOverdue(&d, def, view, now, env)
		return d
	}

	// Rule 6: inside the normal active window.
	return d
}

func applyOverdue(d *Decision, def domain.TaskDefinition, view external.View, now time.Time, env Env) {
	switch def.Behavior {
	case domain.BehaviorKeep:
		// The holder is never relieved automatically, but an item that never
		// materialized still has to show up on their list.
		if view.Known && !view.Present && d.Instance.ExternalID == nil {
			d.Intents = append(d.Intents, createIntent(d.Instance, def, now))
		}
		return
	case domain.BehaviorRotate, domain.BehaviorKeepAndRotate:
	default:
		d.Skipped = fmt.Sprintf("definition %s has unknown behavior %q", def.Name, def.Behavior)
		return
	}

	next, ok := nextResolvableActor(def, d.Instance.AssignedUser, env.Users)
	if !ok {
		d.Skipped = fmt.Sprintf("definition %s has no resolvable rotation target", def.Name)
		return
	}

	if def.Behavior == domain.BehaviorRotate {
		d.Instance.Status = domain.StatusTerminated
		d.Changed = true
		d.Completions = append(d.Completions, domain.CompletionEntry{
			InstanceID:  d.Instance.ID,
			User:        d.Instance.AssignedUser,
			CompletedAt: now,
			Trigger:     domain.TriggerPolicyReassignment,
		})
		if d.Instance.ExternalID != nil {
			d.Intents = append(d.Intents, removeIntent(d.Instance, def))
		}
	}

	if next == d.Instance.AssignedUser && def.Behavior == domain.BehaviorKeepAndRotate {
		// Single-actor rotation would hand the task back to its holder while
		// the old instance stays active; nothing useful to create.
		d.Skipped = fmt.Sprintf("definition %s rotates back to current holder %s", def.Name, next)
		return
	}

	if existing := env.ActiveForUser(def.Name, next); existing != nil && existing.ID != d.Instance.ID {
		if def.Behavior == domain.BehaviorKeepAndRotate {
			// The overdue instance stays active, so this rule refires every
			// cycle; once the next holder has their instance the rotation has
			// already happened.
			d.Skipped = fmt.Sprintf("definition %s already rotated to %s", def.Name, next)
			return
		}
		re := *existing
		if re.ExternalID != nil {
			d.Intents = append(d.Intents, removeIntent(re, def))
		}
		rearm(&re, def, now, env.NewMarker())
		d.Updated = append(d.Updated, re)
		d.Intents = append(d.Intents, createIntent(re, def, now))
		return
	}

	fresh := NewInstance(env.NewID(), def, next, now, env.NewMarker())
	d.NewInstances = append(d.NewInstances, fresh)
	d.Intents = append(d.Intents, createIntent(fresh, def, now))
}

// NewInstance builds a fresh assignment round for a definition. The soft
// deadline is clamped to the hard deadline so hard >= soft >= assignment holds
// even when the repeat period exceeds the grace period.
func NewInstance(id string, def domain.TaskDefinition, user string, now time.Time, marker string) domain.TaskInstance {
	inst := domain.TaskInstance{
		ID:             id,
		DefinitionName: def.Name,
		AssignedUser:   user,
		AssignedAt:     now,
		SyncMarker:     marker,
		Status:         domain.StatusActive,
	}
	setDeadlines(&inst, def, now)
	return inst
}

// rearm resets an existing instance for a new round: same row, new deadlines,
// completion cleared, fresh sync marker, external pointer dropped.
func rearm(inst *domain.TaskInstance, def domain.TaskDefinition, now time.Time, marker string) {
	inst.AssignedAt = now
	setDeadlines(inst, def, now)
	inst.CompletedAt = nil
	inst.SyncMarker = marker
	inst.ExternalID = nil
	inst.Status = domain.StatusActive
}

func setDeadlines(inst *domain.TaskInstance, def domain.TaskDefinition, now time.Time) {
	inst.HardDeadline = now.Add(def.GracePeriod)
	inst.SoftDeadline = now.Add(def.RepeatPeriod)
	if inst.SoftDeadline.After(inst.HardDeadline) {
		inst.SoftDeadline = inst.HardDeadline
	}
}

// nextResolvableActor walks the rotation order starting after current,
// skipping actors not present in users. An unknown current actor starts the
// walk at the head of the list.
func nextResolvableActor(def domain.TaskDefinition, current string, users map[string]bool) (string, bool) {
	n := len(def.Actors)
	if n == 0 {
		return "", false
	}
	start := 0
	for i, a := range def.Actors {
		if a == current {
			start = i + 1
			break
		}
	}
	for off := 0; off < n; off++ {
		candidate := def.Actors[(start+off)%n]
		if users[candidate] {
			return candidate, true
		}
	}
	return "", false
}

func createIntent(inst domain.TaskInstance, def domain.TaskDefinition, now time.Time) Intent {
	return Intent{
		Op:         OpCreateExternalItem,
		User:       inst.AssignedUser,
		Category:   def.Category,
		InstanceID: inst.ID,
		SyncMarker: inst.SyncMarker,
		Title:      itemTitle(def.Name, inst, now),
		Notes:      external.FormatMarker(inst.SyncMarker),
	}
}

func removeIntent(inst domain.TaskInstance, def domain.TaskDefinition) Intent {
	in := Intent{
		Op:         OpRemoveExternalItem,
		User:       inst.AssignedUser,
		Category:   def.Category,
		InstanceID: inst.ID,
		SyncMarker: inst.SyncMarker,
	}
	if inst.ExternalID != nil {
		in.ExternalID = *inst.ExternalID
	}
	return in
}

// itemTitle renders the definition name with the time remaining until the
// nearer deadline, e.g. "Trash - [3d]" or "Trash - [5h]".
func itemTitle(name string, inst domain.TaskInstance, now time.Time) string {
	deadline := inst.SoftDeadline
	if inst.HardDeadline.Before(deadline) {
		deadline = inst.HardDeadline
	}
	left := deadline.Sub(now)
	if left < 0 {
		left = 0
	}
	if days := int(left.Hours()) / 24; days > 0 {
		return fmt.Sprintf("%s - [%dd]", name, days)
	}
	return fmt.Sprintf("%s - [%dh]", name, int(left.Hours()))
}
