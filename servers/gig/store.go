package gig

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Record is one saved gig posting. It is the Gig payload plus the metadata the
// store stamps at append time.
type Record struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `json:"session_id"`
	Gig
}

// Store persists gig records to a flat JSON file. The file holds the full array
// of records; every append rewrites it under the lock, so readers always see a
// complete document. Records are never mutated or removed once written.
type Store struct {
	path string

	mu sync.Mutex
}

// NewStore creates a Store backed by the JSON file at path. The file does not
// have to exist yet; the first append creates it.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Append stamps the gig with a fresh ID, the current UTC time and the
// originating session, then writes it after the existing records. The returned
// Record is the stamped copy.
func (s *Store) Append(gig Gig, sessionID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return Record{}, err
	}

	record := Record{
		ID:        ulid.Make().String(),
		CreatedAt: time.Now().UTC(),
		SessionID: sessionID,
		Gig:       gig,
	}
	records = append(records, record)

	if err := s.save(records); err != nil {
		return Record{}, err
	}

	return record, nil
}

// List returns the stored records in insertion order. A non-empty category
// keeps only records filed under it.
func (s *Store) List(category Category) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}

	if category == "" {
		return records, nil
	}

	filtered := make([]Record, 0, len(records))
	for _, record := range records {
		if record.Category == category {
			filtered = append(filtered, record)
		}
	}

	return filtered, nil
}

func (s *Store) load() ([]Record, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(content, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal store file: %w", err)
	}

	return records, nil
}

func (s *Store) save(records []Record) error {
	content, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	if err := os.WriteFile(s.path, content, 0600); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}

	return nil
}
