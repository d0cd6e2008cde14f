package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Encode serializes s. Two snapshots with equal content encode to equal bytes.
func Encode(s Snapshot) ([]byte, error) {
	return sonic.ConfigStd.Marshal(s)
}

// Decode parses data into a sanitized snapshot.
//
// Decode never fails outright: fields and records that cannot be read are
// dropped and replaced by defaults. The returned error lists what was
// discarded and is informational only.
func Decode(data []byte) (Snapshot, error) {
	out := NewSnapshot()
	var errs []error

	var fields map[string]json.RawMessage
	if err := sonic.ConfigStd.Unmarshal(data, &fields); err != nil {
		return out, fmt.Errorf("snapshot: %w", err)
	}

	if raw, ok := fields["version"]; ok {
		if err := sonic.ConfigStd.Unmarshal(raw, &out.Version); err != nil {
			errs = append(errs, fmt.Errorf("version: %w", err))
		}
	}
	out.Boards = decodeList[Board](fields["boards"], "boards", &errs)
	out.People = decodeList[Person](fields["people"], "people", &errs)
	out.Waiting = decodeList[string](fields["waiting"], "waiting", &errs)
	if raw, ok := fields["view"]; ok {
		var v struct {
			ActiveBoardID  json.RawMessage `json:"activeBoardId"`
			SelectedBoxIDs json.RawMessage `json:"selectedBoxIds"`
		}
		if err := sonic.ConfigStd.Unmarshal(raw, &v); err != nil {
			errs = append(errs, fmt.Errorf("view: %w", err))
		} else {
			if len(v.ActiveBoardID) > 0 {
				if err := sonic.ConfigStd.Unmarshal(v.ActiveBoardID, &out.View.ActiveBoardID); err != nil {
					errs = append(errs, fmt.Errorf("view.activeBoardId: %w", err))
				}
			}
			out.View.SelectedBoxIDs = decodeList[string](v.SelectedBoxIDs, "view.selectedBoxIds", &errs)
		}
	}

	if n := Sanitize(&out); n > 0 {
		errs = append(errs, fmt.Errorf("sanitize: %d repairs", n))
	}
	return out, errors.Join(errs...)
}

// decodeList reads a JSON array element by element, skipping bad entries.
func decodeList[T any](raw json.RawMessage, field string, errs *[]error) []T {
	out := []T{}
	if len(raw) == 0 || string(raw) == "null" {
		return out
	}
	var items []json.RawMessage
	if err := sonic.ConfigStd.Unmarshal(raw, &items); err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", field, err))
		return out
	}
	for i, item := range items {
		var v T
		if err := sonic.ConfigStd.Unmarshal(item, &v); err != nil {
			*errs = append(*errs, fmt.Errorf("%s[%d]: %w", field, i, err))
			continue
		}
		out = append(out, v)
	}
	return out
}
