// Package registers holds the per-run named value cache that lets one tool
// hand data to another without routing it through the model.
//
// A Store lives for exactly one run. Writes are last-write-wins and absence
// is a normal outcome, not an error.
package registers

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyName is returned by Set when the register name is empty.
var ErrEmptyName = errors.New("registers: empty register name")

// Entry is one register value together with the tool that produced it.
type Entry struct {
	Name      string    `json:"name"`
	Value     any       `json:"value"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// String returns the value when it is a string and "" otherwise.
func (e Entry) String() string {
	s, _ := e.Value.(string)
	return s
}

// Store is a per-run register table. Implementations must be safe for
// concurrent use.
type Store interface {
	// Set stores value under name, replacing any previous entry.
	Set(ctx context.Context, name string, value any, source string) error
	// Get returns the entry for name. The boolean is false when absent.
	Get(ctx context.Context, name string) (Entry, bool, error)
	// Discard drops every entry. The store must not be used afterwards.
	Discard(ctx context.Context) error
}

// Factory creates the Store for one run.
type Factory func(ctx context.Context, runID string) (Store, error)

// MemoryFactory returns a Factory producing in-process stores.
func MemoryFactory() Factory {
	return func(context.Context, string) (Store, error) {
		return NewMemoryStore(), nil
	}
}
