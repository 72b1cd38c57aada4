package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rotaro/internal/config"
	"rotaro/internal/domain"
	"rotaro/internal/events"
	"rotaro/internal/external"
	"rotaro/internal/repo"
	"rotaro/internal/source"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Now       func() time.Time
	NewID     func() string
	NewMarker func() string
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Now:       time.Now,
		NewID:     uuid.NewString,
		NewMarker: uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) env(users map[string]bool, held map[string]map[string]*domain.TaskInstance) Env {
	return Env{
		Users: users,
		ActiveForUser: func(definition, user string) *domain.TaskInstance {
			if byUser, ok := held[definition]; ok {
				return byUser[user]
			}
			return nil
		},
		NewID:     e.NewID,
		NewMarker: e.NewMarker,
	}
}

// CycleReport aggregates one cycle's outcome. Per-unit failures are collected
// here; the cycle itself always completes.
type CycleReport struct {
	Intents     []Intent
	Errors      []error
	Skipped     []string
	Assigned    int
	Completed   int
	Rotated     int
	Dropped     int
	Retired     []string
	Reconciled  int
	DefsSynced  int
	UsersSynced int
}

func (r *CycleReport) fail(unit string, err error) {
	r.Errors = append(r.Errors, fmt.Errorf("%s: %w", unit, err))
}

// validateDefinition enforces the mandatory fields. An invalid definition is
// skipped for the cycle, never fatal.
func validateDefinition(d domain.TaskDefinition) error {
	switch {
	case d.Name == "":
		return errors.New("name is required")
	case d.Category == "":
		return errors.New("category is required")
	case d.RepeatPeriod <= 0:
		return errors.New("repeat period is required")
	case d.GracePeriod <= 0:
		return errors.New("grace period is required")
	case len(d.Actors) == 0:
		return errors.New("at least one actor is required")
	}
	switch d.Behavior {
	case domain.BehaviorKeep, domain.BehaviorRotate, domain.BehaviorKeepAndRotate:
	default:
		return fmt.Errorf("unknown behavior %q", d.Behavior)
	}
	return nil
}

// SyncDefinitions diffs the freshly loaded inventory against the store: new
// names are inserted, existing ones updated, missing ones retired. Retiring a
// definition terminates its active instances and emits removal intents.
func (e Engine) SyncDefinitions(ctx context.Context, inv source.Inventory, now time.Time, report *CycleReport) error {
	nowStr := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range inv.Users {
		if u.Name == "" || u.Email == "" {
			report.fail("user "+u.Name, errors.New("name and email are required"))
			continue
		}
		u.CreatedAt = nowStr
		if err := e.Repo.UpsertUser(ctx, tx, u); err != nil {
			return fmt.Errorf("upsert user %s: %w", u.Name, err)
		}
		report.UsersSynced++
	}

	var keep []string
	for _, d := range inv.Definitions {
		if err := validateDefinition(d); err != nil {
			report.fail("definition "+d.Name, err)
			// Still present in the source. The stored row and its active
			// instances stay untouched for this cycle; only a name missing
			// from the source retires.
			if d.Name != "" {
				keep = append(keep, d.Name)
			}
			continue
		}
		d.CreatedAt = nowStr
		d.UpdatedAt = nowStr
		if err := e.Repo.UpsertDefinition(ctx, tx, d); err != nil {
			return fmt.Errorf("upsert definition %s: %w", d.Name, err)
		}
		keep = append(keep, d.Name)
		report.DefsSynced++
	}

	retired, err := e.Repo.RetireDefinitionsExcept(ctx, tx, keep, nowStr)
	if err != nil {
		return fmt.Errorf("retire definitions: %w", err)
	}
	for _, name := range retired {
		if err := e.Events.Append(ctx, tx, "definition.retired", "definition", name, nil); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	report.Retired = append(report.Retired, retired...)

	// Termination of orphaned instances runs per instance so one conflict
	// cannot abort the rest.
	for _, name := range retired {
		def, err := e.Repo.GetDefinition(ctx, name)
		if err != nil {
			report.fail("retired definition "+name, err)
			continue
		}
		instances, err := e.Repo.ListActiveInstancesForDefinition(ctx, name)
		if err != nil {
			report.fail("retired definition "+name, err)
			continue
		}
		for _, inst := range instances {
			intents, err := e.terminateInstance(ctx, inst, def, now)
			if err != nil {
				report.fail("instance "+inst.ID, err)
				continue
			}
			report.Intents = append(report.Intents, intents...)
		}
	}
	return nil
}

// terminateInstance force-closes an instance. If it was never completed the
// forced termination is recorded as a policy reassignment; the instance's
// completion time stays null.
func (e Engine) terminateInstance(ctx context.Context, inst domain.TaskInstance, def domain.TaskDefinition, now time.Time) ([]Intent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	terminated := inst
	terminated.Status = domain.StatusTerminated
	if err := e.Repo.UpdateInstance(ctx, tx, terminated); err != nil {
		return nil, err
	}
	if !inst.Completed() {
		if err := e.Repo.InsertCompletion(ctx, tx, domain.CompletionEntry{
			InstanceID:  inst.ID,
			User:        inst.AssignedUser,
			CompletedAt: now,
			Trigger:     domain.TriggerPolicyReassignment,
		}); err != nil {
			return nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.terminated", "instance", inst.ID, events.EventPayload{
		"definition": inst.DefinitionName,
		"user":       inst.AssignedUser,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if inst.ExternalID != nil {
		return []Intent{removeIntent(inst, def)}, nil
	}
	return nil, nil
}

// AssignNew creates an instance, assigned to the first resolvable actor, for
// every active definition that has none and whose activation time has passed.
func (e Engine) AssignNew(ctx context.Context, now time.Time, report *CycleReport) error {
	defs, err := e.Repo.ListDefinitions(ctx, false)
	if err != nil {
		return err
	}
	users, err := e.userSet(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if def.ActiveFrom != nil && now.Before(*def.ActiveFrom) {
			continue
		}
		actives, err := e.Repo.ListActiveInstancesForDefinition(ctx, def.Name)
		if err != nil {
			report.fail("definition "+def.Name, err)
			continue
		}
		if len(actives) > 0 {
			continue
		}
		target := ""
		for _, a := range def.Actors {
			if users[a] {
				target = a
				break
			}
		}
		if target == "" {
			report.fail("definition "+def.Name, errors.New("no resolvable actor"))
			continue
		}
		inst := NewInstance(e.NewID(), def, target, now, e.NewMarker())
		if err := e.insertAssigned(ctx, inst); err != nil {
			report.fail("definition "+def.Name, err)
			continue
		}
		report.Assigned++
		report.Intents = append(report.Intents, createIntent(inst, def, now))
	}
	return nil
}

func (e Engine) insertAssigned(ctx context.Context, inst domain.TaskInstance) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.assigned", "instance", inst.ID, events.EventPayload{
		"definition": inst.DefinitionName,
		"user":       inst.AssignedUser,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) userSet(ctx context.Context) (map[string]bool, error) {
	users, err := e.Repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(users))
	for _, u := range users {
		set[u.Name] = true
	}
	return set, nil
}

// ReconcileAll runs the decision table over every active instance against the
// external snapshot. Each instance is persisted in its own transaction; a
// conflict or failure on one never blocks the others.
func (e Engine) ReconcileAll(ctx context.Context, snap *external.Snapshot, now time.Time, report *CycleReport) error {
	instances, err := e.Repo.ListActiveInstances(ctx)
	if err != nil {
		return err
	}
	users, err := e.userSet(ctx)
	if err != nil {
		return err
	}
	held := map[string]map[string]*domain.TaskInstance{}
	for i := range instances {
		inst := instances[i]
		if held[inst.DefinitionName] == nil {
			held[inst.DefinitionName] = map[string]*domain.TaskInstance{}
		}
		held[inst.DefinitionName][inst.AssignedUser] = &instances[i]
	}
	env := e.env(users, held)

	for _, inst := range instances {
		def, err := e.Repo.GetDefinition(ctx, inst.DefinitionName)
		if err != nil {
			report.fail("instance "+inst.ID, err)
			continue
		}
		if def.Retired {
			continue
		}
		// The snapshot predates this cycle's assignments; an instance stamped
		// with this cycle's timestamp cannot be in it and must not look
		// absent.
		if !inst.AssignedAt.Before(now) {
			continue
		}
		view := snap.View(inst.AssignedUser, def.Category, inst.SyncMarker)
		decision := Reconcile(inst, def, view, now, env)
		report.Reconciled++
		if decision.Skipped != "" {
			report.Skipped = append(report.Skipped, decision.Skipped)
		}
		if err := e.applyDecision(ctx, decision); err != nil {
			report.fail("instance "+inst.ID, err)
			continue
		}
		report.Intents = append(report.Intents, decision.Intents...)
		report.Completed += len(decision.Completions)
		report.Rotated += len(decision.NewInstances) + len(decision.Updated)
	}
	return nil
}

func (e Engine) applyDecision(ctx context.Context, d Decision) error {
	if !d.Changed && len(d.Completions) == 0 && len(d.Updated) == 0 && len(d.NewInstances) == 0 {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if d.Changed {
		if err := e.Repo.UpdateInstance(ctx, tx, d.Instance); err != nil {
			return err
		}
	}
	for _, c := range d.Completions {
		if err := e.Repo.InsertCompletion(ctx, tx, c); err != nil {
			return err
		}
		evtType := "task.completed"
		if c.Trigger == domain.TriggerPolicyReassignment {
			evtType = "task.rotated"
		}
		if err := e.Events.Append(ctx, tx, evtType, "instance", c.InstanceID, events.EventPayload{
			"user":    c.User,
			"trigger": c.Trigger,
		}); err != nil {
			return err
		}
	}
	for _, u := range d.Updated {
		if err := e.Repo.UpdateInstance(ctx, tx, u); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "task.assigned", "instance", u.ID, events.EventPayload{
			"definition": u.DefinitionName,
			"user":       u.AssignedUser,
			"reused":     true,
		}); err != nil {
			return err
		}
	}
	for _, n := range d.NewInstances {
		if err := e.Repo.InsertInstance(ctx, tx, n); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "task.assigned", "instance", n.ID, events.EventPayload{
			"definition": n.DefinitionName,
			"user":       n.AssignedUser,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunCycle executes one full engine pass: definition sync, fresh assignment,
// reconciliation. Intents are returned in emission order for the driver to
// apply; intents for users without an observed view are dropped here per the
// missing-credentials policy.
func (e Engine) RunCycle(ctx context.Context, inv source.Inventory, snap *external.Snapshot) (CycleReport, error) {
	// One timestamp for the whole cycle, so instances assigned here are
	// stamped with the same instant reconciliation compares against.
	now := e.now().UTC()
	var report CycleReport
	if err := e.SyncDefinitions(ctx, inv, now, &report); err != nil {
		return report, fmt.Errorf("sync definitions: %w", err)
	}
	if err := e.AssignNew(ctx, now, &report); err != nil {
		return report, fmt.Errorf("assign new: %w", err)
	}
	if err := e.ReconcileAll(ctx, snap, now, &report); err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}
	kept := report.Intents[:0]
	for _, in := range report.Intents {
		if snap.Observed(in.User, in.Category) {
			kept = append(kept, in)
		} else {
			report.Dropped++
		}
	}
	report.Intents = kept
	return report, nil
}
