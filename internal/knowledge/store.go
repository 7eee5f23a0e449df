// Package knowledge keeps the address annotation table that labels known
// accounts, and refreshes it from the per-network static document.
package knowledge

import (
	"sync/atomic"
	"time"
)

// Record is the human curated label of one address. The zero value is the
// answer for unknown addresses.
type Record struct {
	Owner       string `json:"owner,omitempty"`
	Description string `json:"description,omitempty"`
}

// Table maps address to Record. A Table is never modified once published.
type Table map[string]Record

// Snapshot is one complete published table plus where it came from.
type Snapshot struct {
	Records  Table     `json:"records"`
	Network  string    `json:"network"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Store holds the active snapshot behind a single atomic pointer, so
// readers never wait on a refresh and never see a half built table.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	s := &Store{}
	s.cur.Store(&Snapshot{Records: Table{}})
	return s
}

// Lookup returns the record for address, or the empty record.
func (s *Store) Lookup(address string) Record {
	return s.cur.Load().Records[address]
}

// Replace publishes snap as the active table. snap.Records must not be
// modified by the caller afterwards.
func (s *Store) Replace(snap Snapshot) {
	if snap.Records == nil {
		snap.Records = Table{}
	}
	s.cur.Store(&snap)
}

// Snapshot returns the active snapshot. Treat it as read-only.
func (s *Store) Snapshot() Snapshot {
	return *s.cur.Load()
}

func (s *Store) Len() int {
	return len(s.cur.Load().Records)
}

func (s *Store) LoadedAt() time.Time {
	return s.cur.Load().LoadedAt
}
