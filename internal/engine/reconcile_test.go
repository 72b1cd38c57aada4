package engine_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"rotaro/internal/domain"
	"rotaro/internal/engine"
	"rotaro/internal/external"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func choresDef(behavior domain.OverdueBehavior) domain.TaskDefinition {
	return domain.TaskDefinition{
		Name:         "trash",
		Category:     "Chores",
		RepeatPeriod: 24 * time.Hour,
		GracePeriod:  72 * time.Hour,
		Actors:       []string{"alice", "bob", "carol"},
		Behavior:     behavior,
	}
}

func testEnv() engine.Env {
	ids, markers := 0, 0
	return engine.Env{
		Users: map[string]bool{"alice": true, "bob": true, "carol": true},
		ActiveForUser: func(definition, user string) *domain.TaskInstance {
			return nil
		},
		NewID: func() string {
			ids++
			return fmt.Sprintf("id-%d", ids)
		},
		NewMarker: func() string {
			markers++
			return fmt.Sprintf("marker-%d", markers)
		},
	}
}

func withExternalID(inst domain.TaskInstance, id string) domain.TaskInstance {
	inst.ExternalID = &id
	return inst
}

func presentView(externalID string, done bool) external.View {
	return external.View{Known: true, Present: true, Done: done, ExternalID: externalID}
}

func absentView() external.View {
	return external.View{Known: true}
}

func TestNewInstanceDeadlineOrdering(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	def.RepeatPeriod = 7 * 24 * time.Hour
	def.GracePeriod = 48 * time.Hour
	inst := engine.NewInstance("id-1", def, "alice", t0, "m-1")
	if !inst.SoftDeadline.Equal(inst.HardDeadline) {
		t.Fatalf("soft deadline %v should clamp to hard %v", inst.SoftDeadline, inst.HardDeadline)
	}
	if inst.HardDeadline.Before(inst.AssignedAt) {
		t.Fatalf("hard deadline before assignment")
	}
}

func TestInsideWindowIsNoop(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	d := engine.Reconcile(inst, def, presentView("ext-1", false), t0.Add(time.Hour), testEnv())
	if d.Changed || len(d.Intents) != 0 || len(d.Completions) != 0 {
		t.Fatalf("expected no-op, got %+v", d)
	}
}

func TestUnknownViewIsNoop(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	d := engine.Reconcile(inst, def, external.View{}, t0.Add(time.Hour), testEnv())
	if d.Changed || len(d.Intents) != 0 || len(d.Completions) != 0 {
		t.Fatalf("unknown view must not trigger anything, got %+v", d)
	}
}

func TestItemMarkedDoneCompletes(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	now := t0.Add(2 * time.Hour)
	d := engine.Reconcile(inst, def, presentView("ext-1", true), now, testEnv())
	if !d.Changed || d.Instance.CompletedAt == nil || !d.Instance.CompletedAt.Equal(now) {
		t.Fatalf("expected completion at %v, got %+v", now, d.Instance)
	}
	if len(d.Completions) != 1 || d.Completions[0].Trigger != domain.TriggerExternallyObserved {
		t.Fatalf("expected externally_observed entry, got %+v", d.Completions)
	}
	if d.Completions[0].User != "bob" {
		t.Fatalf("completion credited to %s", d.Completions[0].User)
	}
}

func TestMaterializedItemGoneCompletes(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	d := engine.Reconcile(inst, def, absentView(), t0.Add(2*time.Hour), testEnv())
	if len(d.Completions) != 1 || d.Completions[0].Trigger != domain.TriggerExternallyObserved {
		t.Fatalf("deleted item should count as completion, got %+v", d)
	}
}

func TestNeverMaterializedItemIsRecreated(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := engine.NewInstance("id-1", def, "bob", t0, "m-1")
	d := engine.Reconcile(inst, def, absentView(), t0.Add(2*time.Hour), testEnv())
	if len(d.Completions) != 0 || d.Changed {
		t.Fatalf("absence without external id must not complete, got %+v", d)
	}
	if len(d.Intents) != 1 || d.Intents[0].Op != engine.OpCreateExternalItem {
		t.Fatalf("expected one create intent, got %+v", d.Intents)
	}
	if d.Intents[0].SyncMarker != "m-1" {
		t.Fatalf("recreate must keep the original marker, got %s", d.Intents[0].SyncMarker)
	}
}

func TestAdoptsProviderID(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := engine.NewInstance("id-1", def, "bob", t0, "m-1")
	d := engine.Reconcile(inst, def, presentView("ext-9", false), t0.Add(time.Hour), testEnv())
	if !d.Changed || d.Instance.ExternalID == nil || *d.Instance.ExternalID != "ext-9" {
		t.Fatalf("expected adopted external id, got %+v", d.Instance)
	}
}

func TestCompletedInsideRepeatWindowWaits(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	done := t0.Add(time.Hour)
	inst.CompletedAt = &done
	d := engine.Reconcile(inst, def, presentView("ext-1", true), t0.Add(3*time.Hour), testEnv())
	if d.Changed || len(d.Intents) != 0 {
		t.Fatalf("completed task inside window must wait, got %+v", d)
	}
}

func TestCompletedPastSoftDeadlineRearmsSameHolder(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	done := t0.Add(time.Hour)
	inst.CompletedAt = &done
	now := t0.Add(25 * time.Hour)
	d := engine.Reconcile(inst, def, presentView("ext-1", true), now, testEnv())
	if !d.Changed {
		t.Fatal("expected rearm")
	}
	if d.Instance.AssignedUser != "bob" {
		t.Fatalf("completion must not rotate, holder became %s", d.Instance.AssignedUser)
	}
	if d.Instance.CompletedAt != nil || d.Instance.ExternalID != nil {
		t.Fatalf("rearm must clear completion and external id, got %+v", d.Instance)
	}
	if d.Instance.SyncMarker == "m-1" {
		t.Fatal("rearm must mint a fresh marker")
	}
	if !d.Instance.SoftDeadline.Equal(now.Add(def.RepeatPeriod)) {
		t.Fatalf("soft deadline %v, want %v", d.Instance.SoftDeadline, now.Add(def.RepeatPeriod))
	}
	if len(d.Intents) != 2 || d.Intents[0].Op != engine.OpRemoveExternalItem || d.Intents[1].Op != engine.OpCreateExternalItem {
		t.Fatalf("expected remove then create, got %+v", d.Intents)
	}
	if d.Intents[0].ExternalID != "ext-1" {
		t.Fatalf("remove intent targets %s", d.Intents[0].ExternalID)
	}
}

func TestGraceWindowAdvancesSoftDeadline(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	now := t0.Add(30 * time.Hour)
	d := engine.Reconcile(inst, def, presentView("ext-1", false), now, testEnv())
	if !d.Changed || !d.Instance.SoftDeadline.Equal(now.Add(def.RepeatPeriod)) {
		t.Fatalf("soft deadline %v, want %v", d.Instance.SoftDeadline, now.Add(def.RepeatPeriod))
	}

	// Close to the hard deadline the advance clamps.
	now = t0.Add(60 * time.Hour)
	d2 := engine.Reconcile(d.Instance, def, presentView("ext-1", false), now, testEnv())
	if !d2.Instance.SoftDeadline.Equal(d2.Instance.HardDeadline) {
		t.Fatalf("soft deadline %v should clamp to hard %v", d2.Instance.SoftDeadline, d2.Instance.HardDeadline)
	}

	// Re-running at the same moment changes nothing further.
	d3 := engine.Reconcile(d2.Instance, def, presentView("ext-1", false), now, testEnv())
	if d3.Changed {
		t.Fatalf("second pass must be idempotent, got %+v", d3)
	}
}

func TestOverdueKeepLeavesHolder(t *testing.T) {
	def := choresDef(domain.BehaviorKeep)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	d := engine.Reconcile(inst, def, presentView("ext-1", false), t0.Add(80*time.Hour), testEnv())
	if d.Changed || len(d.Intents) != 0 || len(d.NewInstances) != 0 {
		t.Fatalf("keep must be a no-op, got %+v", d)
	}
}

func TestOverdueRotateTerminatesAndAdvances(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	now := t0.Add(80 * time.Hour)
	d := engine.Reconcile(inst, def, presentView("ext-1", false), now, testEnv())
	if d.Instance.Status != domain.StatusTerminated {
		t.Fatalf("expected termination, got %s", d.Instance.Status)
	}
	if d.Instance.CompletedAt != nil {
		t.Fatal("forced rotation must not backfill a completion time")
	}
	if len(d.Completions) != 1 || d.Completions[0].Trigger != domain.TriggerPolicyReassignment {
		t.Fatalf("expected policy_reassignment entry, got %+v", d.Completions)
	}
	if len(d.NewInstances) != 1 || d.NewInstances[0].AssignedUser != "carol" {
		t.Fatalf("bob's task must rotate to carol, got %+v", d.NewInstances)
	}
	var ops []string
	for _, in := range d.Intents {
		ops = append(ops, string(in.Op))
	}
	if strings.Join(ops, ",") != "remove_external_item,create_external_item" {
		t.Fatalf("intents %v", ops)
	}
}

func TestRotationWrapsAround(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "carol", t0, "m-1"), "ext-1")
	d := engine.Reconcile(inst, def, presentView("ext-1", false), t0.Add(80*time.Hour), testEnv())
	if len(d.NewInstances) != 1 || d.NewInstances[0].AssignedUser != "alice" {
		t.Fatalf("carol's task must wrap to alice, got %+v", d.NewInstances)
	}
}

func TestRotationSkipsUnresolvableActors(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "alice", t0, "m-1"), "ext-1")
	env := testEnv()
	env.Users = map[string]bool{"alice": true, "carol": true}
	d := engine.Reconcile(inst, def, presentView("ext-1", false), t0.Add(80*time.Hour), env)
	if len(d.NewInstances) != 1 || d.NewInstances[0].AssignedUser != "carol" {
		t.Fatalf("rotation must skip bob, got %+v", d.NewInstances)
	}
}

func TestRotationWithNoResolvableTargetIsSkipped(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "alice", t0, "m-1"), "ext-1")
	env := testEnv()
	env.Users = map[string]bool{}
	d := engine.Reconcile(inst, def, presentView("ext-1", false), t0.Add(80*time.Hour), env)
	if d.Skipped == "" {
		t.Fatal("expected skip reason")
	}
	if d.Changed || len(d.NewInstances) != 0 {
		t.Fatalf("skipped rotation must not change anything, got %+v", d)
	}
}

func TestKeepAndRotateKeepsBothActive(t *testing.T) {
	def := choresDef(domain.BehaviorKeepAndRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	d := engine.Reconcile(inst, def, presentView("ext-1", false), t0.Add(80*time.Hour), testEnv())
	if d.Changed || d.Instance.Status != domain.StatusActive {
		t.Fatalf("keep_and_rotate must leave the holder's instance, got %+v", d.Instance)
	}
	if len(d.Completions) != 0 {
		t.Fatalf("no history entry until either side finishes, got %+v", d.Completions)
	}
	if len(d.NewInstances) != 1 || d.NewInstances[0].AssignedUser != "carol" {
		t.Fatalf("expected a second instance for carol, got %+v", d.NewInstances)
	}
	if len(d.Intents) != 1 || d.Intents[0].Op != engine.OpCreateExternalItem {
		t.Fatalf("old item stays, only a create for carol, got %+v", d.Intents)
	}
}

func TestKeepAndRotateDoesNotRefire(t *testing.T) {
	def := choresDef(domain.BehaviorKeepAndRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	carols := engine.NewInstance("id-2", def, "carol", t0.Add(80*time.Hour), "m-2")
	env := testEnv()
	env.ActiveForUser = func(definition, user string) *domain.TaskInstance {
		if user == "carol" {
			return &carols
		}
		return nil
	}
	d := engine.Reconcile(inst, def, presentView("ext-1", false), t0.Add(81*time.Hour), env)
	if d.Skipped == "" || len(d.NewInstances) != 0 || len(d.Intents) != 0 {
		t.Fatalf("rotation already happened, expected skip, got %+v", d)
	}
}

func TestKeepAndRotateSingleActorIsSkipped(t *testing.T) {
	def := choresDef(domain.BehaviorKeepAndRotate)
	def.Actors = []string{"bob"}
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	d := engine.Reconcile(inst, def, presentView("ext-1", false), t0.Add(80*time.Hour), testEnv())
	if d.Skipped == "" || len(d.NewInstances) != 0 {
		t.Fatalf("rotating back to the holder is pointless, got %+v", d)
	}
}

func TestRotateReusesTargetInstance(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	carols := withExternalID(engine.NewInstance("id-2", def, "carol", t0, "m-2"), "ext-2")
	env := testEnv()
	env.ActiveForUser = func(definition, user string) *domain.TaskInstance {
		if user == "carol" {
			return &carols
		}
		return nil
	}
	now := t0.Add(80 * time.Hour)
	d := engine.Reconcile(inst, def, presentView("ext-1", false), now, env)
	if len(d.NewInstances) != 0 {
		t.Fatalf("existing instance must be reused, got %+v", d.NewInstances)
	}
	if len(d.Updated) != 1 || d.Updated[0].ID != "id-2" {
		t.Fatalf("expected carol's instance re-armed, got %+v", d.Updated)
	}
	if d.Updated[0].SyncMarker == "m-2" || !d.Updated[0].AssignedAt.Equal(now) {
		t.Fatalf("rearm must reset marker and assignment time, got %+v", d.Updated[0])
	}
}

func TestUnknownBehaviorIsSkipped(t *testing.T) {
	def := choresDef("escalate")
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	d := engine.Reconcile(inst, def, presentView("ext-1", false), t0.Add(80*time.Hour), testEnv())
	if d.Skipped == "" || d.Changed {
		t.Fatalf("unknown behavior must skip, got %+v", d)
	}
}

func TestItemTitleShowsRemainingTime(t *testing.T) {
	def := choresDef(domain.BehaviorRotate)
	inst := withExternalID(engine.NewInstance("id-1", def, "bob", t0, "m-1"), "ext-1")
	now := t0.Add(80 * time.Hour)
	d := engine.Reconcile(inst, def, presentView("ext-1", false), now, testEnv())
	var create *engine.Intent
	for i := range d.Intents {
		if d.Intents[i].Op == engine.OpCreateExternalItem {
			create = &d.Intents[i]
		}
	}
	if create == nil {
		t.Fatal("expected a create intent")
	}
	if create.Title != "trash - [1d]" {
		t.Fatalf("title %q", create.Title)
	}
	if !strings.Contains(create.Notes, create.SyncMarker) {
		t.Fatalf("notes %q must embed the marker", create.Notes)
	}
}
