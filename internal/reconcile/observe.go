package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"coursecal/internal/fingerprint"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
	"coursecal/internal/remote"
)

// Observation is the live remote state gathered before reconciling.
type Observation struct {
	// Live is true when known events were read individually.
	Live bool
	// Fetched maps remote id to the observed fingerprint.
	Fetched map[string]string
	// Gone holds remote ids the live read reported missing or cancelled.
	Gone map[string]bool
	// Unobserved holds remote ids whose read failed transiently.
	Unobserved map[string]bool

	// Listed is true when the namespace listing ran; Tagged then holds every
	// remote event carrying our namespace, grouped by identity key and
	// ordered by remote id.
	Listed bool
	Tagged map[string][]remote.Event
}

// ObserveOptions selects which live reads to perform.
type ObserveOptions struct {
	// Detect reads every known remote event for conflict detection.
	Detect bool
	// List lists the namespace for adoption and stray cleanup.
	List bool
	// Concurrency bounds parallel reads (default 4).
	Concurrency int
	// Wait, if set, is called before each remote call (rate limiting).
	Wait func(ctx context.Context) error
}

// Observe performs the live reads the Reconciler may consult. Reads are the
// only remote calls it makes. A fatal remote error aborts observation.
func Observe(ctx context.Context, cal remote.Calendar, calendarID string, known []model.Record, opts ObserveOptions) (Observation, error) {
	obs := Observation{
		Fetched:    make(map[string]string),
		Gone:       make(map[string]bool),
		Unobserved: make(map[string]bool),
		Tagged:     make(map[string][]remote.Event),
	}
	wait := opts.Wait
	if wait == nil {
		wait = func(context.Context) error { return nil }
	}

	if opts.Detect && len(known) > 0 {
		limit := opts.Concurrency
		if limit <= 0 {
			limit = 4
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)

		for _, rec := range known {
			g.Go(func() error {
				if err := wait(gctx); err != nil {
					return err
				}
				ev, err := cal.GetEvent(gctx, calendarID, rec.RemoteID)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil && ev.Cancelled:
					obs.Gone[rec.RemoteID] = true
				case err == nil:
					obs.Fetched[rec.RemoteID] = fingerprint.OfRemote(ev)
				case remote.IsNotFound(err):
					obs.Gone[rec.RemoteID] = true
				case remote.IsFatal(err):
					return fmt.Errorf("observe %s: %w", rec.Key, err)
				case gctx.Err() != nil:
					return gctx.Err()
				default:
					appLog.Warn("reconcile: live read failed", "key", rec.Key, "remote_id", rec.RemoteID, "err", err)
					obs.Unobserved[rec.RemoteID] = true
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Observation{}, err
		}
		obs.Live = true
	}

	if opts.List {
		if err := wait(ctx); err != nil {
			return Observation{}, err
		}
		evs, err := cal.ListEvents(ctx, calendarID, remote.ListQuery{
			PrivateExtended: map[string]string{remote.PrivateNamespace: calendarID},
		})
		if err != nil {
			return Observation{}, fmt.Errorf("observe list %s: %w", calendarID, err)
		}
		for _, ev := range evs {
			key := ev.IdentityKey()
			if key == "" || ev.Cancelled {
				continue
			}
			obs.Tagged[key] = append(obs.Tagged[key], ev)
		}
		for _, evs := range obs.Tagged {
			sort.Slice(evs, func(i, j int) bool { return evs[i].ID < evs[j].ID })
		}
		obs.Listed = true
	}

	appLog.Debug("reconcile: observed remote",
		"calendar_id", calendarID,
		"fetched", len(obs.Fetched),
		"gone", len(obs.Gone),
		"unobserved", len(obs.Unobserved),
		"tagged", len(obs.Tagged),
	)
	return obs, nil
}
