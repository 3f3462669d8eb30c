package domain

import "strings"

// StateRecord maps an account handle to the id of the last post notified for
// it. Entries for handles that are no longer monitored are carried through
// untouched.
type StateRecord struct {
	Watermarks map[string]string
}

func NewStateRecord() *StateRecord {
	return &StateRecord{Watermarks: make(map[string]string)}
}

// CanonicalHandle is the state key for a handle: lowercase, no leading @.
func CanonicalHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// Get returns the watermark for handle and whether one exists. Keys written
// under another spelling of the same handle ("@Alice", "alice") match too;
// the highest id among them wins.
func (r *StateRecord) Get(handle string) (string, bool) {
	if r == nil || r.Watermarks == nil {
		return "", false
	}
	key := CanonicalHandle(handle)
	best := r.Watermarks[key]
	for k, id := range r.Watermarks {
		if k == key || id == "" || CanonicalHandle(k) != key {
			continue
		}
		if best == "" || CompareIDs(id, best) > 0 {
			best = id
		}
	}
	return best, best != ""
}

// Advance moves the watermark for handle forward to postID. It reports
// whether the stored value changed; a watermark never moves backwards.
func (r *StateRecord) Advance(handle, postID string) bool {
	if r.Watermarks == nil {
		r.Watermarks = make(map[string]string)
	}
	if current, ok := r.Get(handle); ok && CompareIDs(postID, current) <= 0 {
		return false
	}
	key := CanonicalHandle(handle)
	for k := range r.Watermarks {
		if k != key && CanonicalHandle(k) == key {
			delete(r.Watermarks, k)
		}
	}
	r.Watermarks[key] = postID
	return true
}

func (r *StateRecord) Clone() *StateRecord {
	out := NewStateRecord()
	if r == nil {
		return out
	}
	for k, v := range r.Watermarks {
		out.Watermarks[k] = v
	}
	return out
}

func (r *StateRecord) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Watermarks)
}
