package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCommand is returned for commands that are malformed regardless of state.
var ErrInvalidCommand = errors.New("invalid command")

// CommandType names one operation of the closed command set.
type CommandType string

const (
	AddWaiting     CommandType = "add-waiting"
	RenamePerson   CommandType = "rename-person"
	DeletePerson   CommandType = "delete-person"
	Assign         CommandType = "assign"
	Unassign       CommandType = "unassign"
	CreateBoard    CommandType = "create-board"
	RenameBoard    CommandType = "rename-board"
	DeleteBoard    CommandType = "delete-board"
	CreateBox      CommandType = "create-box"
	RenameBox      CommandType = "rename-box"
	DeleteBox      CommandType = "delete-box"
	SelectBoxes    CommandType = "select-boxes"
	DeleteSelected CommandType = "delete-selected"
	SetActiveBoard CommandType = "set-active-board"
)

// Command is a primitive mutation issued by the UI layer.
//
// At and the ids of created records are stamped once when the command enters
// a client, so replaying it on another copy of the state creates the same records.
type Command struct {
	// ID identifies the command in logs and API responses.
	ID       string      `json:"id,omitempty"`
	Type     CommandType `json:"type"`
	PersonID string      `json:"personId,omitempty"`
	BoxID    string      `json:"boxId,omitempty"`
	BoardID  string      `json:"boardId,omitempty"`
	Name     string      `json:"name,omitempty"`
	Label    string      `json:"label,omitempty"`
	BoxIDs   []string    `json:"boxIds,omitempty"`
	At       int64       `json:"at,omitempty"`
}

// Stamp fills the command id, the timestamp and the id of the record the
// command creates when they are not already set.
func (c *Command) Stamp(now time.Time, newID func() string) {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.At == 0 {
		c.At = now.UnixMilli()
	}
	switch c.Type {
	case AddWaiting:
		if c.PersonID == "" {
			c.PersonID = newID()
		}
	case CreateBoard:
		if c.BoardID == "" {
			c.BoardID = newID()
		}
	case CreateBox:
		if c.BoxID == "" {
			c.BoxID = newID()
		}
	}
}

// Validate checks the command shape. It does not look at any state.
func (c Command) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidCommand, c.Type, field)
	}
	switch c.Type {
	case AddWaiting:
		if c.PersonID == "" {
			return missing("personId")
		}
		if strings.TrimSpace(c.Name) == "" {
			return missing("name")
		}
	case RenamePerson, DeletePerson:
		if c.PersonID == "" {
			return missing("personId")
		}
	case Assign:
		if c.PersonID == "" {
			return missing("personId")
		}
		if c.BoxID == "" {
			return missing("boxId")
		}
	case Unassign:
		if c.BoxID == "" && c.PersonID == "" {
			return missing("boxId or personId")
		}
	case CreateBoard:
		if c.BoardID == "" {
			return missing("boardId")
		}
		if strings.TrimSpace(c.Name) == "" {
			return missing("name")
		}
	case RenameBoard, DeleteBoard, SetActiveBoard:
		if c.BoardID == "" {
			return missing("boardId")
		}
	case CreateBox:
		if c.BoxID == "" {
			return missing("boxId")
		}
		if strings.TrimSpace(c.Label) == "" {
			return missing("label")
		}
	case RenameBox, DeleteBox:
		if c.BoxID == "" {
			return missing("boxId")
		}
	case SelectBoxes, DeleteSelected:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}
