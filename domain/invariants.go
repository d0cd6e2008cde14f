package domain

import (
	"errors"
	"fmt"
)

// CheckInvariants reports every structural violation in s.
func CheckInvariants(s Snapshot) error {
	var errs []error
	people := make(map[string]Person, len(s.People))
	for _, p := range s.People {
		if _, dup := people[p.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate person %s", p.ID))
		}
		people[p.ID] = p
	}

	seated := map[string]string{}
	boxes := map[string]struct{}{}
	boards := map[string]struct{}{}
	for _, b := range s.Boards {
		if _, dup := boards[b.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate board %s", b.ID))
		}
		boards[b.ID] = struct{}{}
		for _, x := range b.Boxes {
			if _, dup := boxes[x.ID]; dup {
				errs = append(errs, fmt.Errorf("duplicate box %s", x.ID))
			}
			boxes[x.ID] = struct{}{}
			if x.BoardID != b.ID {
				errs = append(errs, fmt.Errorf("box %s claims board %s but lives on %s", x.ID, x.BoardID, b.ID))
			}
			pid := x.Seat.PersonID
			if pid == "" {
				continue
			}
			p, ok := people[pid]
			if !ok {
				errs = append(errs, fmt.Errorf("box %s seats unknown person %s", x.ID, pid))
				continue
			}
			if prev, dup := seated[pid]; dup {
				errs = append(errs, fmt.Errorf("person %s seated in %s and %s", pid, prev, x.ID))
			}
			seated[pid] = x.ID
			if p.Status != StatusAssigned || p.BoxID != x.ID || p.BoardID != b.ID {
				errs = append(errs, fmt.Errorf("box %s seats %s whose record points at %s/%s", x.ID, pid, p.BoardID, p.BoxID))
			}
		}
	}

	queued := map[string]struct{}{}
	for _, id := range s.Waiting {
		if _, dup := queued[id]; dup {
			errs = append(errs, fmt.Errorf("person %s queued twice", id))
		}
		queued[id] = struct{}{}
		if p, ok := people[id]; !ok || p.Status != StatusWaiting {
			errs = append(errs, fmt.Errorf("waiting list holds non-waiting %s", id))
		}
	}

	for _, p := range s.People {
		switch p.Status {
		case StatusAssigned:
			if seated[p.ID] != p.BoxID || p.BoxID == "" {
				errs = append(errs, fmt.Errorf("assigned person %s has no matching seat", p.ID))
			}
		case StatusWaiting:
			if p.BoxID != "" || p.BoardID != "" {
				errs = append(errs, fmt.Errorf("waiting person %s still references %s/%s", p.ID, p.BoardID, p.BoxID))
			}
			if _, ok := queued[p.ID]; !ok {
				errs = append(errs, fmt.Errorf("waiting person %s missing from waiting list", p.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("person %s has status %q", p.ID, p.Status))
		}
	}

	if a := s.View.ActiveBoardID; a != "" {
		if _, ok := boards[a]; !ok {
			errs = append(errs, fmt.Errorf("active board %s does not exist", a))
		}
	}
	for _, id := range s.View.SelectedBoxIDs {
		if _, ok := boxes[id]; !ok {
			errs = append(errs, fmt.Errorf("selected box %s does not exist", id))
		}
	}
	return errors.Join(errs...)
}
