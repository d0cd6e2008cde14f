package domain

import (
	"math/rand"
	"reflect"
	"strconv"
	"testing"
)

func mustApply(t *testing.T, s *Snapshot, cmd Command) bool {
	t.Helper()
	if err := cmd.Validate(); err != nil {
		t.Fatalf("validate %s: %v", cmd.Type, err)
	}
	changed := Apply(s, cmd)
	if err := CheckInvariants(*s); err != nil {
		t.Fatalf("invariants after %s: %v", cmd.Type, err)
	}
	return changed
}

// boardWithBoxes builds a board b1 holding boxes B1..Bn.
func boardWithBoxes(t *testing.T, n int) Snapshot {
	t.Helper()
	s := NewSnapshot()
	mustApply(t, &s, Command{Type: CreateBoard, BoardID: "b1", Name: "Main", At: 1})
	for i := 1; i <= n; i++ {
		id := "B" + strconv.Itoa(i)
		mustApply(t, &s, Command{Type: CreateBox, BoxID: id, BoardID: "b1", Label: strconv.Itoa(i), At: 1})
	}
	return s
}

func TestAssignFromQueue(t *testing.T) {
	s := boardWithBoxes(t, 1)
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1000})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B1", At: 2000})

	box, _ := s.Box("B1")
	if box.Seat != (Seat{PersonID: "kim", StartedAt: 2000}) {
		t.Fatalf("unexpected seat %+v", box.Seat)
	}
	kim, _ := s.Person("kim")
	if kim.Status != StatusAssigned || kim.BoxID != "B1" || kim.BoardID != "b1" || kim.AssignedAt != 2000 {
		t.Fatalf("unexpected person %+v", kim)
	}
	if len(s.Waiting) != 0 {
		t.Fatalf("waiting list should be empty, got %v", s.Waiting)
	}
}

func TestAssignDisplacesOccupant(t *testing.T) {
	s := boardWithBoxes(t, 1)
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1000})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B1", At: 2000})
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "lee", Name: "Lee", At: 2500})
	mustApply(t, &s, Command{Type: Assign, PersonID: "lee", BoxID: "B1", At: 3000})

	box, _ := s.Box("B1")
	if box.Seat.PersonID != "lee" || box.Seat.StartedAt != 3000 {
		t.Fatalf("unexpected seat %+v", box.Seat)
	}
	kim, _ := s.Person("kim")
	if kim.Status != StatusWaiting || kim.WaitStartedAt != 3000 || kim.BoxID != "" || kim.AssignedAt != 0 {
		t.Fatalf("displaced person not requeued: %+v", kim)
	}
	if !reflect.DeepEqual(s.Waiting, []string{"kim"}) {
		t.Fatalf("unexpected waiting %v", s.Waiting)
	}
}

func TestUnassignRequeuesAtFront(t *testing.T) {
	s := boardWithBoxes(t, 1)
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1000})
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "lee", Name: "Lee", At: 1100})
	mustApply(t, &s, Command{Type: Assign, PersonID: "lee", BoxID: "B1", At: 3000})
	mustApply(t, &s, Command{Type: Unassign, BoxID: "B1", At: 4000})

	if !reflect.DeepEqual(s.Waiting, []string{"lee", "kim"}) {
		t.Fatalf("unexpected waiting %v", s.Waiting)
	}
	lee, _ := s.Person("lee")
	if lee.WaitStartedAt != 4000 {
		t.Fatalf("wait timer not reset: %+v", lee)
	}
	box, _ := s.Box("B1")
	if box.Seat.Occupied() {
		t.Fatalf("box still occupied: %+v", box.Seat)
	}
}

func TestUnassignByPerson(t *testing.T) {
	s := boardWithBoxes(t, 2)
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B2", At: 2})
	if !mustApply(t, &s, Command{Type: Unassign, PersonID: "kim", At: 3}) {
		t.Fatal("expected change")
	}
	if mustApply(t, &s, Command{Type: Unassign, PersonID: "kim", At: 4}) {
		t.Fatal("second unassign should be a no-op")
	}
}

func TestAssignMovesSeatedPerson(t *testing.T) {
	s := boardWithBoxes(t, 2)
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B1", At: 2})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B2", At: 3})

	b1, _ := s.Box("B1")
	b2, _ := s.Box("B2")
	if b1.Seat.Occupied() || b2.Seat.PersonID != "kim" {
		t.Fatalf("seat not moved: %+v %+v", b1.Seat, b2.Seat)
	}
}

func TestReassignSameBoxRefreshesTimer(t *testing.T) {
	s := boardWithBoxes(t, 1)
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B1", At: 2})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B1", At: 9})

	box, _ := s.Box("B1")
	kim, _ := s.Person("kim")
	if box.Seat.StartedAt != 9 || kim.AssignedAt != 9 {
		t.Fatalf("timer not refreshed: %+v %+v", box.Seat, kim)
	}
	if Apply(&s, Command{Type: Assign, PersonID: "kim", BoxID: "B1", At: 9}) {
		t.Fatal("re-assign at the same time should report no change")
	}
}

func TestAddWaitingPrependsAndIgnoresBlank(t *testing.T) {
	s := NewSnapshot()
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "a", Name: "  Ann ", At: 1})
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "b", Name: "Bob", At: 2})
	if !reflect.DeepEqual(s.Waiting, []string{"b", "a"}) {
		t.Fatalf("unexpected waiting %v", s.Waiting)
	}
	if p, _ := s.Person("a"); p.Name != "Ann" {
		t.Fatalf("name not trimmed: %q", p.Name)
	}
	if err := (Command{Type: AddWaiting, PersonID: "c", Name: "   "}).Validate(); err == nil {
		t.Fatal("blank name should not validate")
	}
	if Apply(&s, Command{Type: AddWaiting, PersonID: "c", Name: " "}) {
		t.Fatal("blank name must not create a person")
	}
}

func TestDeletePersonClearsSeat(t *testing.T) {
	s := boardWithBoxes(t, 1)
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B1", At: 2})
	mustApply(t, &s, Command{Type: DeletePerson, PersonID: "kim"})
	if len(s.People) != 0 {
		t.Fatalf("person not removed: %+v", s.People)
	}
	if box, _ := s.Box("B1"); box.Seat.Occupied() {
		t.Fatalf("seat not cleared: %+v", box.Seat)
	}
}

func TestDeleteBoardRequeuesOccupants(t *testing.T) {
	s := boardWithBoxes(t, 2)
	mustApply(t, &s, Command{Type: CreateBoard, BoardID: "b2", Name: "Overflow", At: 1})
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1})
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "lee", Name: "Lee", At: 1})
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "max", Name: "Max", At: 1})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B1", At: 2})
	mustApply(t, &s, Command{Type: Assign, PersonID: "lee", BoxID: "B2", At: 2})
	mustApply(t, &s, Command{Type: SelectBoxes, BoxIDs: []string{"B1"}})
	mustApply(t, &s, Command{Type: DeleteBoard, BoardID: "b1", At: 5})

	if !reflect.DeepEqual(s.Waiting, []string{"lee", "kim", "max"}) {
		t.Fatalf("unexpected waiting %v", s.Waiting)
	}
	if s.View.ActiveBoardID != "b2" {
		t.Fatalf("active board should fall back to b2, got %q", s.View.ActiveBoardID)
	}
	if len(s.View.SelectedBoxIDs) != 0 {
		t.Fatalf("selection should drop deleted boxes: %v", s.View.SelectedBoxIDs)
	}
}

func TestDeleteSelected(t *testing.T) {
	s := boardWithBoxes(t, 3)
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B3", At: 2})
	mustApply(t, &s, Command{Type: SelectBoxes, BoxIDs: []string{"B3", "B1", "B3", "missing"}})
	if !reflect.DeepEqual(s.View.SelectedBoxIDs, []string{"B3", "B1"}) {
		t.Fatalf("unexpected selection %v", s.View.SelectedBoxIDs)
	}
	mustApply(t, &s, Command{Type: DeleteSelected, At: 3})

	if len(s.Boards[0].Boxes) != 1 || s.Boards[0].Boxes[0].ID != "B2" {
		t.Fatalf("unexpected boxes %+v", s.Boards[0].Boxes)
	}
	if !reflect.DeepEqual(s.Waiting, []string{"kim"}) {
		t.Fatalf("occupant not requeued: %v", s.Waiting)
	}
}

func TestCreateBoxUsesActiveBoard(t *testing.T) {
	s := boardWithBoxes(t, 0)
	mustApply(t, &s, Command{Type: CreateBoard, BoardID: "b2", Name: "Second"})
	mustApply(t, &s, Command{Type: SetActiveBoard, BoardID: "b2"})
	mustApply(t, &s, Command{Type: CreateBox, BoxID: "x", Label: "X"})
	if len(s.Boards[1].Boxes) != 1 || s.Boards[1].Boxes[0].BoardID != "b2" {
		t.Fatalf("box not added to active board: %+v", s.Boards)
	}
}

func TestRenameBlankKeepsName(t *testing.T) {
	s := boardWithBoxes(t, 1)
	if Apply(&s, Command{Type: RenameBoard, BoardID: "b1", Name: "  "}) {
		t.Fatal("blank rename should be a no-op")
	}
	if !mustApply(t, &s, Command{Type: RenameBox, BoxID: "B1", Label: "Front"}) {
		t.Fatal("rename box should change state")
	}
	if box, _ := s.Box("B1"); box.Label != "Front" {
		t.Fatalf("label = %q", box.Label)
	}
}

func TestMissingReferencesAreNoOps(t *testing.T) {
	s := boardWithBoxes(t, 1)
	before := s.Clone()
	for _, cmd := range []Command{
		{Type: Assign, PersonID: "ghost", BoxID: "B1"},
		{Type: Unassign, BoxID: "nope"},
		{Type: DeleteBox, BoxID: "nope"},
		{Type: DeleteBoard, BoardID: "nope"},
		{Type: RenamePerson, PersonID: "ghost", Name: "x"},
		{Type: SetActiveBoard, BoardID: "nope"},
		{Type: CreateBox, BoxID: "y", BoardID: "nope", Label: "Y"},
	} {
		if Apply(&s, cmd) {
			t.Fatalf("%s should be a no-op", cmd.Type)
		}
	}
	if !reflect.DeepEqual(before, s) {
		t.Fatalf("state changed: %+v", s)
	}
}

func TestReplayIsIdempotentForCreates(t *testing.T) {
	s := boardWithBoxes(t, 1)
	cmd := Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1}
	mustApply(t, &s, cmd)
	if Apply(&s, cmd) {
		t.Fatal("replaying add-waiting should be a no-op")
	}
	if len(s.People) != 1 {
		t.Fatalf("duplicate person created: %+v", s.People)
	}
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := boardWithBoxes(t, 4)
	people := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	boxes := []string{"B1", "B2", "B3", "B4", "B5"}
	types := []CommandType{AddWaiting, Assign, Assign, Assign, Unassign, DeletePerson, DeleteBox, CreateBox, SelectBoxes, DeleteSelected}
	for i := 0; i < 2000; i++ {
		cmd := Command{Type: types[rng.Intn(len(types))], At: int64(i)}
		cmd.PersonID = people[rng.Intn(len(people))]
		cmd.BoxID = boxes[rng.Intn(len(boxes))]
		cmd.Name = "n"
		cmd.Label = "l"
		cmd.BoardID = "b1"
		cmd.BoxIDs = []string{boxes[rng.Intn(len(boxes))]}
		Apply(&s, cmd)
		if err := CheckInvariants(s); err != nil {
			t.Fatalf("step %d (%s): %v", i, cmd.Type, err)
		}
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	if err := (Command{Type: "explode"}).Validate(); err == nil {
		t.Fatal("expected error")
	}
}

func TestStampFillsCreatedIDs(t *testing.T) {
	n := 0
	newID := func() string { n++; return "id" + strconv.Itoa(n) }
	cmd := Command{Type: CreateBox, Label: "x"}
	cmd.Stamp(timeAt(5), newID)
	if cmd.ID != "id1" || cmd.BoxID != "id2" || cmd.At != 5 {
		t.Fatalf("unexpected stamp %+v", cmd)
	}
	again := cmd
	again.Stamp(timeAt(9), newID)
	if !reflect.DeepEqual(again, cmd) {
		t.Fatalf("stamp must not overwrite: %+v", again)
	}
}
