// Package reconcile diffs desired events against the event_map (and,
// optionally, live remote reads) and produces a Sync Plan. Reconcile itself
// performs no I/O; Observe is where remote reads happen.
package reconcile

import (
	"sort"

	"coursecal/internal/fingerprint"
	"coursecal/internal/model"
)

// Options configures a reconciliation.
type Options struct {
	// Namespace is the calendar the plan targets.
	Namespace string
	Policy    Policy
}

// Reconcile computes the plan. Entries for desired events come first, in
// desired order, followed by deletes ordered by identity key. The result is
// a pure function of its inputs.
func Reconcile(desired []model.DesiredEvent, known []model.Record, obs Observation, opts Options) Plan {
	policy := opts.Policy
	if policy == "" {
		policy = PolicySkip
	}

	knownByKey := make(map[string]model.Record, len(known))
	for _, rec := range known {
		knownByKey[rec.Key] = rec
	}
	desiredKeys := make(map[string]struct{}, len(desired))

	plan := Plan{Namespace: opts.Namespace, Policy: policy, Live: obs.Live}

	// Remote ids already claimed by an entry; other tagged copies are strays.
	claimed := make(map[string]struct{})

	for i := range desired {
		d := &desired[i]
		desiredKeys[d.Key] = struct{}{}
		fp := fingerprint.Of(*d)

		rec, ok := knownByKey[d.Key]
		if !ok {
			e := adoptOrCreate(d, fp, obs)
			if e.RemoteID != "" {
				claimed[e.RemoteID] = struct{}{}
			}
			plan.Entries = append(plan.Entries, e)
			continue
		}

		claimed[rec.RemoteID] = struct{}{}
		plan.Entries = append(plan.Entries, diffKnown(d, fp, rec, obs, policy))
	}

	var deletes []Entry
	for _, rec := range known {
		if _, ok := desiredKeys[rec.Key]; ok {
			continue
		}
		claimed[rec.RemoteID] = struct{}{}
		deletes = append(deletes, Entry{
			Key:                 rec.Key,
			Kind:                KindDelete,
			RemoteID:            rec.RemoteID,
			PreviousFingerprint: rec.Fingerprint,
			Reason:              "no longer desired",
		})
	}

	if obs.Listed {
		for key, evs := range obs.Tagged {
			for _, ev := range evs {
				if _, ok := claimed[ev.ID]; ok {
					continue
				}
				reason := "stray remote event"
				if _, ok := desiredKeys[key]; ok {
					reason = "duplicate remote event"
				}
				deletes = append(deletes, Entry{
					Key:                 key,
					Kind:                KindDelete,
					RemoteID:            ev.ID,
					ObservedFingerprint: fingerprint.OfRemote(ev),
					Stray:               true,
					Reason:              reason,
				})
			}
		}
	}

	sort.SliceStable(deletes, func(i, j int) bool {
		if deletes[i].Key != deletes[j].Key {
			return deletes[i].Key < deletes[j].Key
		}
		return deletes[i].RemoteID < deletes[j].RemoteID
	})
	plan.Entries = append(plan.Entries, deletes...)
	return plan
}

// adoptOrCreate handles a desired key the event_map does not know. A remote
// event already tagged with the key is adopted instead of duplicated.
func adoptOrCreate(d *model.DesiredEvent, fp string, obs Observation) Entry {
	if obs.Listed {
		if evs := obs.Tagged[d.Key]; len(evs) > 0 {
			ev := evs[0]
			ofp := fingerprint.OfRemote(ev)
			e := Entry{
				Key:                 d.Key,
				RemoteID:            ev.ID,
				Fingerprint:         fp,
				ObservedFingerprint: ofp,
				Adopt:               true,
				Notes:               d.Notes,
				Desired:             d,
			}
			if ofp == fp {
				e.Kind = KindNoOp
				e.Reason = "adopted existing remote event"
			} else {
				e.Kind = KindUpdate
				e.PreviousFingerprint = ofp
				e.Reason = "adopted existing remote event with different content"
			}
			return e
		}
	}
	return Entry{Key: d.Key, Kind: KindCreate, Fingerprint: fp, Notes: d.Notes, Desired: d}
}

// diffKnown handles a desired key with an event_map record.
func diffKnown(d *model.DesiredEvent, fp string, rec model.Record, obs Observation, policy Policy) Entry {
	e := Entry{
		Key:                 d.Key,
		RemoteID:            rec.RemoteID,
		Fingerprint:         fp,
		PreviousFingerprint: rec.Fingerprint,
		Notes:               d.Notes,
		Desired:             d,
	}

	if obs.Live {
		if obs.Gone[rec.RemoteID] {
			if policy == PolicyOverwrite {
				e.Kind = KindCreate
				e.RemoteID = ""
				e.Reason = "remote event missing; recreating"
				return e
			}
			e.Kind = KindConflict
			e.Reason = "remote event deleted outside sync"
			return e
		}

		if ofp, seen := obs.Fetched[rec.RemoteID]; seen && ofp != rec.Fingerprint {
			e.ObservedFingerprint = ofp
			switch {
			case ofp == fp:
				// The remote already carries the desired content.
				e.Kind = KindNoOp
				e.Adopt = true
				e.Reason = "remote already matches desired content"
			case policy == PolicyOverwrite:
				e.Kind = KindUpdate
				e.Reason = "overwriting change made outside sync"
			case policy == PolicyMergeReport:
				e.Kind = KindConflict
				e.Reason = "remote changed outside sync; review diff"
				e.Diff = fingerprint.Diff(rec.Fingerprint, ofp)
			default:
				e.Kind = KindConflict
				e.Reason = "remote changed outside sync"
			}
			return e
		}

		if obs.Unobserved[rec.RemoteID] && fp != rec.Fingerprint && policy != PolicyOverwrite {
			e.Kind = KindConflict
			e.Reason = "live read failed; not updating unverified event"
			return e
		}
	}

	if fp != rec.Fingerprint {
		e.Kind = KindUpdate
		e.Reason = "content changed"
		return e
	}
	e.Kind = KindNoOp
	return e
}
