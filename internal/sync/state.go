package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FolderState is the per-folder cursor inside a sync-state file.
type FolderState struct {
	UIDValidity uint32 `json:"uid_validity"`
	LastSeenUID uint32 `json:"last_seen_uid"`
	// BackfillLowUID is the reverse-chronological cursor: the lowest
	// UID already ingested. 1 means the historical floor is reached.
	BackfillLowUID uint32 `json:"backfill_low_uid"`
}

// SyncState is the durable per-account cursor set. Owned exclusively by
// the writer; readers never touch these files.
type SyncState struct {
	Account        string                  `json:"account"`
	Primed         bool                    `json:"primed"`
	Folders        map[string]*FolderState `json:"folders"`
	CalendarTokens map[string]string       `json:"calendar_tokens"`
	// Poison sets quarantine ids whose payloads failed to parse, so
	// they are never retried.
	PoisonUIDs   map[string][]uint32 `json:"poison_uids,omitempty"`
	PoisonEvents []string            `json:"poison_events,omitempty"`
}

// NewSyncState returns an empty state for an account.
func NewSyncState(account string) *SyncState {
	return &SyncState{
		Account:        account,
		Folders:        map[string]*FolderState{},
		CalendarTokens: map[string]string{},
		PoisonUIDs:     map[string][]uint32{},
	}
}

// Folder returns (creating) the state for one folder.
func (s *SyncState) Folder(name string) *FolderState {
	f, ok := s.Folders[name]
	if !ok {
		f = &FolderState{}
		s.Folders[name] = f
	}
	return f
}

// IsPoisoned reports whether a UID is quarantined for the folder.
func (s *SyncState) IsPoisoned(folder string, uid uint32) bool {
	for _, u := range s.PoisonUIDs[folder] {
		if u == uid {
			return true
		}
	}
	return false
}

// Poison quarantines a UID.
func (s *SyncState) Poison(folder string, uid uint32) {
	if !s.IsPoisoned(folder, uid) {
		s.PoisonUIDs[folder] = append(s.PoisonUIDs[folder], uid)
	}
}

// IsEventPoisoned reports whether an event id is quarantined.
func (s *SyncState) IsEventPoisoned(eventID string) bool {
	for _, id := range s.PoisonEvents {
		if id == eventID {
			return true
		}
	}
	return false
}

// PoisonEvent quarantines an event id.
func (s *SyncState) PoisonEvent(eventID string) {
	if !s.IsEventPoisoned(eventID) {
		s.PoisonEvents = append(s.PoisonEvents, eventID)
	}
}

// StateFile persists sync-state JSON under the cache directory.
type StateFile struct {
	dir string
}

func NewStateFile(dir string) *StateFile {
	return &StateFile{dir: dir}
}

func (sf *StateFile) path(account string) string {
	return filepath.Join(sf.dir, account+".json")
}

// Load reads the account's state, returning a fresh one when the file
// does not exist yet.
func (sf *StateFile) Load(account string) (*SyncState, error) {
	data, err := os.ReadFile(sf.path(account))
	if os.IsNotExist(err) {
		return NewSyncState(account), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync state for %s: %w", account, err)
	}
	st := NewSyncState(account)
	if err := json.Unmarshal(data, st); err != nil {
		// A corrupt cursor file is recoverable: re-prime from scratch.
		return NewSyncState(account), nil
	}
	if st.Folders == nil {
		st.Folders = map[string]*FolderState{}
	}
	if st.CalendarTokens == nil {
		st.CalendarTokens = map[string]string{}
	}
	if st.PoisonUIDs == nil {
		st.PoisonUIDs = map[string][]uint32{}
	}
	return st, nil
}

// Save writes the state atomically.
func (sf *StateFile) Save(st *SyncState) error {
	if err := os.MkdirAll(sf.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := sf.path(st.Account) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, sf.path(st.Account))
}

// Reset deletes the state file so the next start re-primes.
func (sf *StateFile) Reset(account string) error {
	err := os.Remove(sf.path(account))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
