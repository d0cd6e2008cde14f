package domain

// Sanitize repairs s in place so that CheckInvariants passes, and reports
// how many repairs were made. Incoming snapshots from any source go through it.
func Sanitize(s *Snapshot) int {
	fixes := 0
	if s.Version != SnapshotVersion {
		s.Version = SnapshotVersion
	}
	if s.Boards == nil {
		s.Boards = []Board{}
	}
	if s.People == nil {
		s.People = []Person{}
	}
	if s.Waiting == nil {
		s.Waiting = []string{}
	}
	if s.View.SelectedBoxIDs == nil {
		s.View.SelectedBoxIDs = []string{}
	}

	people := make(map[string]int, len(s.People))
	keptPeople := s.People[:0]
	for _, p := range s.People {
		if _, dup := people[p.ID]; p.ID == "" || dup {
			fixes++
			continue
		}
		people[p.ID] = len(keptPeople)
		keptPeople = append(keptPeople, p)
	}
	s.People = keptPeople

	type seat struct {
		boxID, boardID string
		startedAt      int64
	}
	seated := map[string]seat{}
	boards := map[string]struct{}{}
	boxes := map[string]struct{}{}
	keptBoards := s.Boards[:0]
	for _, b := range s.Boards {
		if _, dup := boards[b.ID]; b.ID == "" || dup {
			fixes++
			continue
		}
		boards[b.ID] = struct{}{}
		keptBoxes := make([]Box, 0, len(b.Boxes))
		for _, x := range b.Boxes {
			if _, dup := boxes[x.ID]; x.ID == "" || dup {
				fixes++
				continue
			}
			boxes[x.ID] = struct{}{}
			if x.BoardID != b.ID {
				x.BoardID = b.ID
				fixes++
			}
			if pid := x.Seat.PersonID; pid != "" {
				_, known := people[pid]
				_, taken := seated[pid]
				if !known || taken {
					x.Seat = Seat{}
					fixes++
				} else {
					seated[pid] = seat{boxID: x.ID, boardID: b.ID, startedAt: x.Seat.StartedAt}
				}
			}
			keptBoxes = append(keptBoxes, x)
		}
		b.Boxes = keptBoxes
		keptBoards = append(keptBoards, b)
	}
	s.Boards = keptBoards

	for i := range s.People {
		p := &s.People[i]
		if box, ok := seated[p.ID]; ok {
			if p.Status != StatusAssigned || p.BoxID != box.boxID || p.BoardID != box.boardID {
				fixes++
			}
			p.Status = StatusAssigned
			p.BoxID = box.boxID
			p.BoardID = box.boardID
			if p.AssignedAt == 0 {
				p.AssignedAt = box.startedAt
			}
			continue
		}
		if p.Status != StatusWaiting || p.BoxID != "" || p.BoardID != "" {
			fixes++
		}
		p.Status = StatusWaiting
		p.BoxID = ""
		p.BoardID = ""
		p.AssignedAt = 0
	}

	queued := make(map[string]struct{}, len(s.Waiting))
	waiting := make([]string, 0, len(s.Waiting))
	for _, id := range s.Waiting {
		i, ok := people[id]
		if _, dup := queued[id]; dup || !ok || s.People[i].Status != StatusWaiting {
			fixes++
			continue
		}
		queued[id] = struct{}{}
		waiting = append(waiting, id)
	}
	for _, p := range s.People {
		if _, ok := queued[p.ID]; p.Status == StatusWaiting && !ok {
			waiting = append(waiting, p.ID)
			fixes++
		}
	}
	s.Waiting = waiting

	if a := s.View.ActiveBoardID; a != "" {
		if _, ok := boards[a]; !ok {
			s.View.ActiveBoardID = ""
			fixes++
		}
	}
	if s.View.ActiveBoardID == "" && len(s.Boards) > 0 {
		s.View.ActiveBoardID = s.Boards[0].ID
	}
	selected := make([]string, 0, len(s.View.SelectedBoxIDs))
	picked := map[string]struct{}{}
	for _, id := range s.View.SelectedBoxIDs {
		_, ok := boxes[id]
		_, dup := picked[id]
		if !ok || dup {
			fixes++
			continue
		}
		picked[id] = struct{}{}
		selected = append(selected, id)
	}
	s.View.SelectedBoxIDs = selected
	return fixes
}
