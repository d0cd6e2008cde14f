package domain

import "strings"

// Apply runs cmd against s in place and reports whether anything changed.
//
// Commands that reference missing records are no-ops. Apply never rejects a
// command because of state; callers run Validate first.
func Apply(s *Snapshot, cmd Command) bool {
	switch cmd.Type {
	case AddWaiting:
		return s.addWaiting(cmd.PersonID, cmd.Name, cmd.At)
	case RenamePerson:
		return s.renamePerson(cmd.PersonID, cmd.Name)
	case DeletePerson:
		return s.deletePerson(cmd.PersonID)
	case Assign:
		return s.assign(cmd.PersonID, cmd.BoxID, cmd.At)
	case Unassign:
		return s.unassign(cmd.BoxID, cmd.PersonID, cmd.At)
	case CreateBoard:
		return s.createBoard(cmd.BoardID, cmd.Name)
	case RenameBoard:
		return s.renameBoard(cmd.BoardID, cmd.Name)
	case DeleteBoard:
		return s.deleteBoard(cmd.BoardID, cmd.At)
	case CreateBox:
		return s.createBox(cmd.BoxID, cmd.BoardID, cmd.Label)
	case RenameBox:
		return s.renameBox(cmd.BoxID, cmd.Label)
	case DeleteBox:
		return s.deleteBox(cmd.BoxID, cmd.At)
	case SelectBoxes:
		return s.selectBoxes(cmd.BoxIDs)
	case DeleteSelected:
		return s.deleteSelected(cmd.At)
	case SetActiveBoard:
		return s.setActiveBoard(cmd.BoardID)
	}
	return false
}

func (s *Snapshot) addWaiting(id, name string, at int64) bool {
	name = strings.TrimSpace(name)
	if id == "" || name == "" || s.personIndex(id) >= 0 {
		return false
	}
	s.People = append(s.People, Person{
		ID:            id,
		Name:          name,
		CreatedAt:     at,
		WaitStartedAt: at,
		Status:        StatusWaiting,
	})
	s.Waiting = prepend(s.Waiting, id)
	return true
}

func (s *Snapshot) renamePerson(id, name string) bool {
	name = strings.TrimSpace(name)
	i := s.personIndex(id)
	if i < 0 || name == "" || s.People[i].Name == name {
		return false
	}
	s.People[i].Name = name
	return true
}

func (s *Snapshot) deletePerson(id string) bool {
	i := s.personIndex(id)
	if i < 0 {
		return false
	}
	if bi, xi := s.seatOf(id); bi >= 0 {
		s.Boards[bi].Boxes[xi].Seat = Seat{}
	}
	s.People = append(s.People[:i], s.People[i+1:]...)
	s.Waiting = remove(s.Waiting, id)
	return true
}

// assign seats personID in boxID. An occupant of the target box is requeued
// at the front of the waiting list; a person already seated elsewhere moves.
func (s *Snapshot) assign(personID, boxID string, at int64) bool {
	pi := s.personIndex(personID)
	bi, xi := s.boxIndex(boxID)
	if pi < 0 || bi < 0 {
		return false
	}
	box := &s.Boards[bi].Boxes[xi]
	if box.Seat.PersonID == personID {
		changed := box.Seat.StartedAt != at || s.People[pi].AssignedAt != at
		box.Seat.StartedAt = at
		s.People[pi].AssignedAt = at
		return changed
	}

	if obi, oxi := s.seatOf(personID); obi >= 0 {
		s.Boards[obi].Boxes[oxi].Seat = Seat{}
	}
	s.Waiting = remove(s.Waiting, personID)

	if occupant := box.Seat.PersonID; occupant != "" {
		box.Seat = Seat{}
		if oi := s.personIndex(occupant); oi >= 0 {
			s.requeue(oi, at)
		}
	}

	box.Seat = Seat{PersonID: personID, StartedAt: at}
	p := &s.People[pi]
	p.Status = StatusAssigned
	p.BoardID = box.BoardID
	p.BoxID = box.ID
	p.AssignedAt = at
	return true
}

// unassign frees the box given by boxID, or the box personID occupies when
// boxID is empty, and requeues the occupant at the front.
func (s *Snapshot) unassign(boxID, personID string, at int64) bool {
	bi, xi := s.boxIndex(boxID)
	if boxID == "" {
		bi, xi = s.seatOf(personID)
		if personID == "" {
			bi = -1
		}
	}
	if bi < 0 {
		return false
	}
	return s.vacate(bi, xi, at)
}

// vacate clears a seat and requeues its occupant. It reports whether the
// seat was occupied.
func (s *Snapshot) vacate(bi, xi int, at int64) bool {
	box := &s.Boards[bi].Boxes[xi]
	occupant := box.Seat.PersonID
	if occupant == "" {
		return false
	}
	box.Seat = Seat{}
	if oi := s.personIndex(occupant); oi >= 0 {
		s.requeue(oi, at)
	}
	return true
}

// requeue returns a person to the front of the waiting list with a fresh wait timer.
func (s *Snapshot) requeue(pi int, at int64) {
	p := &s.People[pi]
	p.Status = StatusWaiting
	p.BoardID = ""
	p.BoxID = ""
	p.AssignedAt = 0
	p.WaitStartedAt = at
	s.Waiting = prepend(remove(s.Waiting, p.ID), p.ID)
}

func (s *Snapshot) createBoard(id, name string) bool {
	name = strings.TrimSpace(name)
	if id == "" || name == "" || s.boardIndex(id) >= 0 {
		return false
	}
	s.Boards = append(s.Boards, Board{ID: id, Name: name, Boxes: []Box{}})
	if s.boardIndex(s.View.ActiveBoardID) < 0 {
		s.View.ActiveBoardID = id
	}
	return true
}

func (s *Snapshot) renameBoard(id, name string) bool {
	name = strings.TrimSpace(name)
	i := s.boardIndex(id)
	if i < 0 || name == "" || s.Boards[i].Name == name {
		return false
	}
	s.Boards[i].Name = name
	return true
}

// deleteBoard removes a board and requeues the occupants of its boxes.
func (s *Snapshot) deleteBoard(id string, at int64) bool {
	i := s.boardIndex(id)
	if i < 0 {
		return false
	}
	removed := make(map[string]struct{}, len(s.Boards[i].Boxes))
	for xi := range s.Boards[i].Boxes {
		s.vacate(i, xi, at)
		removed[s.Boards[i].Boxes[xi].ID] = struct{}{}
	}
	s.Boards = append(s.Boards[:i], s.Boards[i+1:]...)
	s.dropSelection(removed)
	if s.View.ActiveBoardID == id {
		s.View.ActiveBoardID = ""
		if len(s.Boards) > 0 {
			s.View.ActiveBoardID = s.Boards[0].ID
		}
	}
	return true
}

// createBox appends a box to boardID, or to the active board when boardID is empty.
func (s *Snapshot) createBox(id, boardID, label string) bool {
	label = strings.TrimSpace(label)
	if id == "" || label == "" {
		return false
	}
	if bi, _ := s.boxIndex(id); bi >= 0 {
		return false
	}
	if boardID == "" {
		boardID = s.View.ActiveBoardID
	}
	i := s.boardIndex(boardID)
	if i < 0 {
		return false
	}
	s.Boards[i].Boxes = append(s.Boards[i].Boxes, Box{ID: id, BoardID: s.Boards[i].ID, Label: label})
	return true
}

func (s *Snapshot) renameBox(id, label string) bool {
	label = strings.TrimSpace(label)
	bi, xi := s.boxIndex(id)
	if bi < 0 || label == "" || s.Boards[bi].Boxes[xi].Label == label {
		return false
	}
	s.Boards[bi].Boxes[xi].Label = label
	return true
}

func (s *Snapshot) deleteBox(id string, at int64) bool {
	bi, xi := s.boxIndex(id)
	if bi < 0 {
		return false
	}
	s.vacate(bi, xi, at)
	boxes := s.Boards[bi].Boxes
	s.Boards[bi].Boxes = append(boxes[:xi], boxes[xi+1:]...)
	s.dropSelection(map[string]struct{}{id: {}})
	return true
}

func (s *Snapshot) selectBoxes(ids []string) bool {
	next := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		if bi, _ := s.boxIndex(id); bi < 0 {
			continue
		}
		seen[id] = struct{}{}
		next = append(next, id)
	}
	if equalStrings(next, s.View.SelectedBoxIDs) {
		return false
	}
	s.View.SelectedBoxIDs = next
	return true
}

func (s *Snapshot) deleteSelected(at int64) bool {
	ids := append([]string(nil), s.View.SelectedBoxIDs...)
	changed := false
	for _, id := range ids {
		if s.deleteBox(id, at) {
			changed = true
		}
	}
	if len(s.View.SelectedBoxIDs) > 0 {
		s.View.SelectedBoxIDs = []string{}
		changed = true
	}
	return changed
}

func (s *Snapshot) setActiveBoard(id string) bool {
	if s.boardIndex(id) < 0 || s.View.ActiveBoardID == id {
		return false
	}
	s.View.ActiveBoardID = id
	return true
}

func (s *Snapshot) dropSelection(ids map[string]struct{}) {
	kept := s.View.SelectedBoxIDs[:0]
	for _, id := range s.View.SelectedBoxIDs {
		if _, gone := ids[id]; !gone {
			kept = append(kept, id)
		}
	}
	s.View.SelectedBoxIDs = kept
}

func prepend(list []string, id string) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, id)
	return append(out, list...)
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
