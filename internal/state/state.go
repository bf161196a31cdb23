// Package state persists cycle state between scheduler ticks. The state file
// is a JSON document with a history of dispatched sessions and a per-track
// cursor. Writes are atomic so a crashed tick never leaves a torn file.
package state

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/franklinbaldo/julesched/internal/errors"
)

// SessionRecord is one dispatched session in the history.
type SessionRecord struct {
	Track     string    `json:"track"`
	Persona   string    `json:"persona"`
	SessionID string    `json:"session_id,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	PRNumber  int       `json:"pr_number,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// legacyRecordAliases maps field names written by earlier versions to the
// current ones.
var legacyRecordAliases = map[string]string{
	"persona_id": "persona",
	"created_at": "started_at",
}

// UnmarshalJSON accepts both the current field names and the legacy aliases.
func (rec *SessionRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if alias, ok := legacyRecordAliases[k]; ok {
			k = alias
		}
		if _, exists := normalized[k]; !exists {
			normalized[k] = v
		}
	}

	type plain SessionRecord
	var p plain
	merged, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(merged, &p); err != nil {
		return err
	}
	*rec = SessionRecord(p)
	return nil
}

// TrackState is the rotation cursor for one track.
type TrackState struct {
	// Persona is the most recently dispatched persona on this track.
	Persona string `json:"persona,omitempty"`
	// SessionID is the session awaiting an outcome, if any.
	SessionID string `json:"session_id,omitempty"`
	// Branch is the head branch of the pending session, if any.
	Branch string `json:"branch,omitempty"`
	// Cycle counts completed rotations through the track's personas.
	Cycle int `json:"cycle,omitempty"`
	// UpdatedAt is when the cursor last changed.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// UnmarshalJSON accepts both the current field names and the legacy
// "last_"-prefixed names written by earlier versions.
func (ts *TrackState) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		k = strings.TrimPrefix(k, "last_")
		if _, exists := normalized[k]; !exists {
			normalized[k] = v
		}
	}

	type plain TrackState
	var p plain
	merged, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(merged, &p); err != nil {
		return err
	}
	*ts = TrackState(p)
	return nil
}

// State is the full persisted document.
type State struct {
	// History holds dispatched sessions, oldest first.
	History []SessionRecord
	// Tracks maps track id to its rotation cursor.
	Tracks map[string]TrackState
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Tracks: make(map[string]TrackState)}
}

// Track returns the cursor for a track, zero-valued if absent.
func (st *State) Track(id string) TrackState {
	return st.Tracks[id]
}

// SetTrack replaces a track cursor and stamps it.
func (st *State) SetTrack(id string, ts TrackState) {
	if st.Tracks == nil {
		st.Tracks = make(map[string]TrackState)
	}
	ts.UpdatedAt = time.Now().UTC()
	st.Tracks[id] = ts
}

// Record appends a session to the history and advances the track cursor.
// If wrapped is true the track's cycle counter increments.
func (st *State) Record(rec SessionRecord, wrapped bool) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	st.History = append(st.History, rec)

	ts := st.Track(rec.Track)
	ts.Persona = rec.Persona
	ts.SessionID = rec.SessionID
	ts.Branch = rec.Branch
	if wrapped {
		ts.Cycle++
	}
	st.SetTrack(rec.Track, ts)
}

// ClearPending drops the pending session from a track cursor after its
// outcome has been resolved.
func (st *State) ClearPending(track string) {
	ts := st.Track(track)
	ts.SessionID = ""
	ts.Branch = ""
	st.SetTrack(track, ts)
}

// document is the wire shape of the state file. History is keyed by dense
// sequential integer strings, "0" being the oldest entry.
type document struct {
	History map[string]SessionRecord `json:"history"`
	Tracks  map[string]TrackState    `json:"tracks"`
}

// MarshalJSON encodes the state with dense integer history keys.
func (st *State) MarshalJSON() ([]byte, error) {
	doc := document{
		History: make(map[string]SessionRecord, len(st.History)),
		Tracks:  st.Tracks,
	}
	if doc.Tracks == nil {
		doc.Tracks = map[string]TrackState{}
	}
	for i, rec := range st.History {
		doc.History[strconv.Itoa(i)] = rec
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes the state, accepting three legacy shapes: a document
// that is itself a JSON array of records, a history stored as a JSON array
// (both newest first, so they are reversed on load), and sparse or unordered
// integer keys (renumbered densely on the next save).
func (st *State) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []SessionRecord
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return errors.Wrap(errors.ErrStateCorrupted, err.Error())
		}
		st.Tracks = make(map[string]TrackState)
		st.History = nil
		for i := len(list) - 1; i >= 0; i-- {
			st.History = append(st.History, list[i])
		}
		return nil
	}

	var probe struct {
		History json.RawMessage          `json:"history"`
		Tracks  map[string]TrackState    `json:"tracks"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.Wrap(errors.ErrStateCorrupted, err.Error())
	}

	st.Tracks = probe.Tracks
	if st.Tracks == nil {
		st.Tracks = make(map[string]TrackState)
	}
	st.History = nil

	if len(probe.History) == 0 || bytes.Equal(probe.History, []byte("null")) {
		return nil
	}

	switch probe.History[0] {
	case '[':
		var list []SessionRecord
		if err := json.Unmarshal(probe.History, &list); err != nil {
			return errors.Wrap(errors.ErrStateCorrupted, err.Error())
		}
		// Legacy list format stored newest first.
		for i := len(list) - 1; i >= 0; i-- {
			st.History = append(st.History, list[i])
		}
	case '{':
		var keyed map[string]SessionRecord
		if err := json.Unmarshal(probe.History, &keyed); err != nil {
			return errors.Wrap(errors.ErrStateCorrupted, err.Error())
		}
		keys := make([]int, 0, len(keyed))
		byIndex := make(map[int]SessionRecord, len(keyed))
		for k, rec := range keyed {
			idx, err := strconv.Atoi(k)
			if err != nil {
				return errors.Wrapf(errors.ErrStateCorrupted, "non-integer history key %q", k)
			}
			keys = append(keys, idx)
			byIndex[idx] = rec
		}
		sort.Ints(keys)
		for _, idx := range keys {
			st.History = append(st.History, byIndex[idx])
		}
	default:
		return errors.Wrap(errors.ErrStateCorrupted, "history is neither object nor array")
	}
	return nil
}
