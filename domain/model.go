package domain

// SnapshotVersion is the schema version written into every snapshot.
const SnapshotVersion = 3

// Status is the lifecycle state of a Person.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusAssigned Status = "assigned"
)

// Person is a client waiting for, or occupying, a box.
type Person struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CreatedAt     int64  `json:"createdAt"`
	WaitStartedAt int64  `json:"waitStartedAt"`
	Status        Status `json:"status"`
	BoardID       string `json:"boardId,omitempty"`
	BoxID         string `json:"boxId,omitempty"`
	AssignedAt    int64  `json:"assignedAt,omitempty"`
}

// Seat holds the current occupant of a box. An empty PersonID means the box is free.
type Seat struct {
	PersonID  string `json:"personId,omitempty"`
	StartedAt int64  `json:"startedAt,omitempty"`
}

// Occupied reports whether someone sits in the seat.
func (s Seat) Occupied() bool { return s.PersonID != "" }

// Box is a placement slot on a board.
type Box struct {
	ID      string `json:"id"`
	BoardID string `json:"boardId"`
	Label   string `json:"label"`
	Seat    Seat   `json:"seat"`
}

// Board is a named, ordered collection of boxes.
type Board struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Boxes []Box  `json:"boxes"`
}

// View carries the lightweight view state shared between devices.
type View struct {
	ActiveBoardID  string   `json:"activeBoardId,omitempty"`
	SelectedBoxIDs []string `json:"selectedBoxIds"`
}

// Snapshot is the unit of persistence and of network transfer.
type Snapshot struct {
	Version int      `json:"version"`
	Boards  []Board  `json:"boards"`
	People  []Person `json:"people"`
	// Waiting lists waiting person ids, front first.
	Waiting []string `json:"waiting"`
	View    View     `json:"view"`
}

// NewSnapshot returns an empty snapshot with all collections allocated.
func NewSnapshot() Snapshot {
	return Snapshot{
		Version: SnapshotVersion,
		Boards:  []Board{},
		People:  []Person{},
		Waiting: []string{},
		View:    View{SelectedBoxIDs: []string{}},
	}
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Version: s.Version,
		Boards:  make([]Board, len(s.Boards)),
		People:  append(make([]Person, 0, len(s.People)), s.People...),
		Waiting: append(make([]string, 0, len(s.Waiting)), s.Waiting...),
		View: View{
			ActiveBoardID:  s.View.ActiveBoardID,
			SelectedBoxIDs: append(make([]string, 0, len(s.View.SelectedBoxIDs)), s.View.SelectedBoxIDs...),
		},
	}
	for i, b := range s.Boards {
		out.Boards[i] = Board{
			ID:    b.ID,
			Name:  b.Name,
			Boxes: append(make([]Box, 0, len(b.Boxes)), b.Boxes...),
		}
	}
	return out
}

// Person returns the person with the given id.
func (s *Snapshot) Person(id string) (Person, bool) {
	if i := s.personIndex(id); i >= 0 {
		return s.People[i], true
	}
	return Person{}, false
}

// Box returns the box with the given id.
func (s *Snapshot) Box(id string) (Box, bool) {
	if bi, xi := s.boxIndex(id); bi >= 0 {
		return s.Boards[bi].Boxes[xi], true
	}
	return Box{}, false
}

// WaitingPeople returns waiting persons in queue order, front first.
func (s *Snapshot) WaitingPeople() []Person {
	out := make([]Person, 0, len(s.Waiting))
	for _, id := range s.Waiting {
		if p, ok := s.Person(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// AssignedRow is one occupied box as listed in the "assigned" panel.
type AssignedRow struct {
	BoardID    string `json:"boardId"`
	BoxID      string `json:"boxId"`
	BoxLabel   string `json:"boxLabel"`
	PersonID   string `json:"personId"`
	Name       string `json:"name"`
	AssignedAt int64  `json:"assignedAt"`
}

// AssignedRows lists occupied boxes in board and box order.
func (s *Snapshot) AssignedRows() []AssignedRow {
	rows := []AssignedRow{}
	for _, b := range s.Boards {
		for _, x := range b.Boxes {
			if !x.Seat.Occupied() {
				continue
			}
			p, _ := s.Person(x.Seat.PersonID)
			rows = append(rows, AssignedRow{
				BoardID:    b.ID,
				BoxID:      x.ID,
				BoxLabel:   x.Label,
				PersonID:   x.Seat.PersonID,
				Name:       p.Name,
				AssignedAt: x.Seat.StartedAt,
			})
		}
	}
	return rows
}

func (s *Snapshot) personIndex(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.People {
		if s.People[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Snapshot) boardIndex(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.Boards {
		if s.Boards[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Snapshot) boxIndex(id string) (int, int) {
	if id == "" {
		return -1, -1
	}
	for bi := range s.Boards {
		for xi := range s.Boards[bi].Boxes {
			if s.Boards[bi].Boxes[xi].ID == id {
				return bi, xi
			}
		}
	}
	return -1, -1
}

// seatOf finds the box currently holding personID.
func (s *Snapshot) seatOf(personID string) (int, int) {
	for bi := range s.Boards {
		for xi := range s.Boards[bi].Boxes {
			if s.Boards[bi].Boxes[xi].Seat.PersonID == personID {
				return bi, xi
			}
		}
	}
	return -1, -1
}
