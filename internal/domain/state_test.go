package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareIDs(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"100", "101", -1},
		{"101", "100", 1},
		{"103", "103", 0},
		{"99", "100", -1},
		{"1859374519836250112", "1859374519836250111", 1},
		{"007", "7", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareIDs(tt.a, tt.b), "CompareIDs(%q, %q)", tt.a, tt.b)
	}
}

func TestStateRecord_AdvanceIsMonotonic(t *testing.T) {
	r := NewStateRecord()

	assert.True(t, r.Advance("alice", "100"))
	assert.True(t, r.Advance("alice", "103"))
	assert.False(t, r.Advance("alice", "101"))
	assert.False(t, r.Advance("alice", "103"))

	id, ok := r.Get("alice")
	assert.True(t, ok)
	assert.Equal(t, "103", id)
}

func TestStateRecord_GetMissing(t *testing.T) {
	var r *StateRecord
	_, ok := r.Get("alice")
	assert.False(t, ok)

	r = &StateRecord{Watermarks: map[string]string{"bob": ""}}
	_, ok = r.Get("bob")
	assert.False(t, ok)
}

func TestStateRecord_HandleSpellings(t *testing.T) {
	r := &StateRecord{Watermarks: map[string]string{"@Alice": "100", "alice": "98", "bob": "5"}}

	id, ok := r.Get("ALICE")
	assert.True(t, ok)
	assert.Equal(t, "100", id)

	assert.False(t, r.Advance("alice", "99"))
	assert.True(t, r.Advance("Alice", "101"))
	assert.Equal(t, map[string]string{"alice": "101", "bob": "5"}, r.Watermarks)
}

func TestStateRecord_CloneIsIndependent(t *testing.T) {
	r := &StateRecord{Watermarks: map[string]string{"alice": "100"}}
	c := r.Clone()
	c.Advance("alice", "200")

	id, _ := r.Get("alice")
	assert.Equal(t, "100", id)
}

func TestPost_Permalink(t *testing.T) {
	p := Post{ID: "123"}
	assert.Equal(t, "https://twitter.com/alice/status/123", p.Permalink("alice"))
	assert.Equal(t, "https://twitter.com/alice/status/123", p.Permalink("@alice"))
}

func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("boom")

	var err error = &SourceUnavailableError{Handle: "alice", Attempts: 3, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 3 attempts")

	err = &PersistenceError{Op: "write", Err: ErrStateConflict}
	assert.ErrorIs(t, err, ErrStateConflict)
}
