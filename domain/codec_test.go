package domain

import (
	"bytes"
	"reflect"
	"testing"
	"time"
)

func timeAt(ms int64) time.Time { return time.UnixMilli(ms) }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := boardWithBoxes(t, 3)
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 10})
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "lee", Name: "Lee", At: 11})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B2", At: 12})
	mustApply(t, &s, Command{Type: SelectBoxes, BoxIDs: []string{"B3"}})

	data, err := Encode(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, s) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, s)
	}
	again, _ := Encode(got)
	if !bytes.Equal(again, data) {
		t.Fatalf("encoding not stable:\n%s\n%s", again, data)
	}
}

func TestDecodeGarbageYieldsEmptySnapshot(t *testing.T) {
	for _, in := range []string{"", "not json", "[]", "null", `{"boards":"x"}`} {
		s, _ := Decode([]byte(in))
		if err := CheckInvariants(s); err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if len(s.Boards) != 0 || len(s.People) != 0 || s.Version != SnapshotVersion {
			t.Fatalf("%q: expected empty snapshot, got %+v", in, s)
		}
	}
}

func TestDecodeDropsBadRecordsAndKeepsGoodOnes(t *testing.T) {
	in := `{
		"version": 1,
		"boards": [
			{"id":"b1","name":"Main","boxes":[{"id":"x1","label":"1","seat":{"personId":"kim","startedAt":5}}]},
			{"id":7}
		],
		"people": [
			{"id":"kim","name":"Kim","status":"waiting"},
			{"id":"lee","name":"Lee","status":"assigned","boxId":"gone"},
			"junk"
		],
		"waiting": ["kim", "lee", "lee", "ghost"],
		"view": {"activeBoardId":"missing","selectedBoxIds":["x1","nope"]}
	}`
	s, err := Decode([]byte(in))
	if err == nil {
		t.Fatal("expected repair report")
	}
	if cerr := CheckInvariants(s); cerr != nil {
		t.Fatalf("invariants: %v", cerr)
	}
	if len(s.Boards) != 1 || len(s.People) != 2 {
		t.Fatalf("unexpected records: %+v", s)
	}
	kim, _ := s.Person("kim")
	if kim.Status != StatusAssigned || kim.BoxID != "x1" || kim.AssignedAt != 5 {
		t.Fatalf("seat should win over person status: %+v", kim)
	}
	if !reflect.DeepEqual(s.Waiting, []string{"lee"}) {
		t.Fatalf("unexpected waiting %v", s.Waiting)
	}
	if s.View.ActiveBoardID != "b1" || !reflect.DeepEqual(s.View.SelectedBoxIDs, []string{"x1"}) {
		t.Fatalf("unexpected view %+v", s.View)
	}
}

func TestSanitizeClearsDoubleSeat(t *testing.T) {
	s := NewSnapshot()
	s.People = []Person{{ID: "kim", Name: "Kim", Status: StatusAssigned}}
	s.Boards = []Board{{ID: "b", Name: "B", Boxes: []Box{
		{ID: "x1", BoardID: "b", Label: "1", Seat: Seat{PersonID: "kim", StartedAt: 1}},
		{ID: "x2", BoardID: "b", Label: "2", Seat: Seat{PersonID: "kim", StartedAt: 2}},
	}}}
	if n := Sanitize(&s); n == 0 {
		t.Fatal("expected repairs")
	}
	if err := CheckInvariants(s); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if s.Boards[0].Boxes[1].Seat.Occupied() {
		t.Fatal("second seat should be cleared")
	}
}

func TestSanitizeIsAFixpoint(t *testing.T) {
	s := boardWithBoxes(t, 2)
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1})
	if n := Sanitize(&s); n != 0 {
		t.Fatalf("valid snapshot needed %d repairs", n)
	}
}

func TestDerivedViews(t *testing.T) {
	s := boardWithBoxes(t, 2)
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "kim", Name: "Kim", At: 1})
	mustApply(t, &s, Command{Type: AddWaiting, PersonID: "lee", Name: "Lee", At: 2})
	mustApply(t, &s, Command{Type: Assign, PersonID: "kim", BoxID: "B2", At: 3})

	if w := s.WaitingPeople(); len(w) != 1 || w[0].ID != "lee" {
		t.Fatalf("unexpected waiting people %+v", w)
	}
	rows := s.AssignedRows()
	if len(rows) != 1 || rows[0].Name != "Kim" || rows[0].BoxLabel != "2" || rows[0].AssignedAt != 3 {
		t.Fatalf("unexpected rows %+v", rows)
	}
}
