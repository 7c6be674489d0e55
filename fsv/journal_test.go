package fsv

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// mockJournal is an in-memory storage of journals, primarily used for testing.
// A zero-value instance is a valid instance.
type mockJournal struct {
	mutex    sync.Mutex
	journals []Event
}

var _ Journaler = (*mockJournal)(nil)

// Write appends a journal event into the internal store.
func (m *mockJournal) Write(ev Event) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.journals = append(m.journals, ev)
	return nil
}

// Types returns the type of every stored event, oldest first.
func (m *mockJournal) Types() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	types := make([]string, len(m.journals))
	for i, ev := range m.journals {
		types[i] = ev.Type()
	}
	return types
}

// Find returns every stored event of the same type as like.
func (m *mockJournal) Find(like Event) []Event {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var found []Event
	for _, ev := range m.journals {
		if ev.Type() == like.Type() {
			found = append(found, ev)
		}
	}
	return found
}

// Verify verifies that the given journals slice is equal to the one stored
// internally. If strict is true, then a length check is performed, otherwise,
// the unmatched events are returned.
//
// Consecutive calls to Verify will match the remaining unmatched events.
func (m *mockJournal) Verify(t *testing.T, strict bool, journals []Event) []Event {
	t.Helper()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if strict && len(journals) != len(m.journals) {
		t.Errorf("mismatch journal length, got %d, expected %d", len(m.journals), len(journals))
		return nil
	}
	if len(journals) > len(m.journals) {
		t.Errorf("journal too short, got %d, expected at least %d", len(m.journals), len(journals))
		return nil
	}

	for i, ev := range journals {
		if diff := cmp.Diff(ev, m.journals[i]); diff != "" {
			t.Errorf("journal %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	m.journals = m.journals[len(journals):]
	return m.journals
}
