// Package driver owns the poll loop: it pulls fresh definitions and external
// state, invokes the engine, and applies the emitted intents. All provider
// I/O lives here; the engine never touches the network.
package driver

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rotaro/internal/domain"
	"rotaro/internal/engine"
	"rotaro/internal/external"
	"rotaro/internal/source"
)

type Driver struct {
	Engine   engine.Engine
	Source   source.Source
	Provider external.Provider
	Interval time.Duration
	// CallTimeout bounds each provider call so one slow user cannot stall the
	// cycle.
	CallTimeout time.Duration
	Logger      *log.Logger
}

func (d *Driver) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

func (d *Driver) timeout() time.Duration {
	if d.CallTimeout > 0 {
		return d.CallTimeout
	}
	return 20 * time.Second
}

// Run executes cycles at the configured interval until the context is
// cancelled. Cancellation is honored between cycles only, never mid-cycle,
// so intents are never left half-applied.
func (d *Driver) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	for {
		if _, err := d.RunOnce(context.WithoutCancel(ctx)); err != nil {
			d.logger().Printf("cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RunOnce executes a single full cycle: fetch inventory, collect the external
// snapshot, run the engine, apply intents.
func (d *Driver) RunOnce(ctx context.Context) (engine.CycleReport, error) {
	inv, err := d.Source.Fetch(ctx)
	if err != nil {
		return engine.CycleReport{}, err
	}

	users, categories, err := d.scope(ctx, inv)
	if err != nil {
		return engine.CycleReport{}, err
	}
	snap := d.collect(ctx, users, categories)

	report, err := d.Engine.RunCycle(ctx, inv, snap)
	if err != nil {
		return report, err
	}
	d.apply(ctx, users, report.Intents, &report)

	for _, s := range report.Skipped {
		d.logger().Printf("skipped: %s", s)
	}
	for _, e := range report.Errors {
		d.logger().Printf("cycle error: %v", e)
	}
	d.logger().Printf("cycle done: %d reconciled, %d assigned, %d completed, %d rotated, %d intents (%d dropped), %d errors",
		report.Reconciled, report.Assigned, report.Completed, report.Rotated, len(report.Intents), report.Dropped, len(report.Errors))
	return report, nil
}

// scope resolves the users and categories this cycle must observe: everything
// in the fresh inventory plus whatever the store still tracks (a retired
// definition's items must still be removable).
func (d *Driver) scope(ctx context.Context, inv source.Inventory) (map[string]domain.User, map[string]bool, error) {
	users := map[string]domain.User{}
	stored, err := d.Engine.Repo.ListUsers(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, u := range stored {
		users[u.Name] = u
	}
	for _, u := range inv.Users {
		if u.Name != "" && u.Email != "" {
			users[u.Name] = u
		}
	}

	categories := map[string]bool{}
	for _, def := range inv.Definitions {
		if def.Category != "" {
			categories[def.Category] = true
		}
	}
	storedDefs, err := d.Engine.Repo.ListDefinitions(ctx, true)
	if err != nil {
		return nil, nil, err
	}
	for _, def := range storedDefs {
		categories[def.Category] = true
	}
	return users, categories, nil
}

// collect fetches the external view per user in parallel. A user whose
// provider calls fail, or who has no credentials, simply stays unobserved;
// reconciliation then treats their view as unknown.
func (d *Driver) collect(ctx context.Context, users map[string]domain.User, categories map[string]bool) *external.Snapshot {
	snap := external.NewSnapshot()
	var mu sync.Mutex
	var g errgroup.Group
	for _, user := range users {
		user := user
		g.Go(func() error {
			for category := range categories {
				callCtx, cancel := context.WithTimeout(ctx, d.timeout())
				items, err := d.Provider.ListItems(callCtx, user, category)
				cancel()
				if err != nil {
					if errors.Is(err, external.ErrNoCredentials) {
						return nil
					}
					d.logger().Printf("list items for %s/%s: %v", user.Name, category, err)
					continue
				}
				mu.Lock()
				snap.AddCategory(user.Name, category, items)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return snap
}

// apply executes intents against the provider, parallel across users, in
// emission order within a user. Failures are isolated per intent.
func (d *Driver) apply(ctx context.Context, users map[string]domain.User, intents []engine.Intent, report *engine.CycleReport) {
	byUser := map[string][]engine.Intent{}
	for _, in := range intents {
		byUser[in.User] = append(byUser[in.User], in)
	}
	var mu sync.Mutex
	var g errgroup.Group
	for name, list := range byUser {
		name, list := name, list
		user, ok := users[name]
		if !ok {
			continue
		}
		g.Go(func() error {
			for _, in := range list {
				if err := d.applyIntent(ctx, user, in); err != nil {
					if errors.Is(err, external.ErrNoCredentials) {
						return nil
					}
					d.logger().Printf("apply %s for %s: %v", in.Op, name, err)
					mu.Lock()
					report.Errors = append(report.Errors, err)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Driver) applyIntent(ctx context.Context, user domain.User, in engine.Intent) error {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	switch in.Op {
	case engine.OpCreateExternalItem:
		id, err := d.Provider.CreateItem(callCtx, user, in.Category, in.Title, in.Notes)
		if err != nil {
			return err
		}
		return d.Engine.Repo.SetExternalID(ctx, in.InstanceID, &id)
	case engine.OpRemoveExternalItem:
		if in.ExternalID == "" {
			return nil
		}
		if err := d.Provider.RemoveItem(callCtx, user, in.Category, in.ExternalID); err != nil {
			return err
		}
		return d.Engine.Repo.SetExternalID(ctx, in.InstanceID, nil)
	default:
		return nil
	}
}
