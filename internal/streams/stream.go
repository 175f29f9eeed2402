package streams

import (
	"errors"
	"sync"
)

// ErrIDTooLow and ErrIDZero mirror the two id-ordering rejections XADD
// must report with exact wire text; the server package maps them to
// RESP errors rather than wrapping them further.
var (
	ErrIDZero   = errors.New("The ID specified in XADD must be greater than 0-0")
	ErrIDTooLow = errors.New("The ID specified in XADD is equal or smaller than the target stream top item")
)

// Stream is an append-only, id-ordered log for a single key. The zero
// value is an empty stream ready to use. A stream can be XADDed and
// XRANGE/XREAD from concurrently by different connections, so every
// accessor takes mu, mirroring how Store guards its own map.
type Stream struct {
	mu        sync.Mutex
	root      node
	lastID    Key
	hasLast   bool
	lastEntry Entry
}

// LastID reports the highest id inserted so far, and whether the stream
// has had any entries at all (needed to resolve "*" on an empty stream).
func (s *Stream) LastID() (Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID, s.hasLast
}

// ResolveID turns an XADD id argument into a concrete Key, applying the
// "*" / "<ms>-*" auto-generation rules against the stream's last id.
func (s *Stream) ResolveID(spec string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ParseKey(spec, s.lastID, s.hasLast)
}

// Append resolves spec against the stream's current last id and inserts
// the result in one critical section, so two concurrent XADDs on the
// same key (e.g. both "*") can never resolve to the same auto-generated
// id.
func (s *Stream) Append(spec string, fields []string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := ParseKey(spec, s.lastID, s.hasLast)
	if err != nil {
		return Key{}, err
	}
	if err := s.put(id, fields); err != nil {
		return Key{}, err
	}
	return id, nil
}

// Put inserts id -> fields, enforcing that ids strictly increase and
// that 0-0 is never a valid id (matches Redis' XADD validation).
func (s *Stream) Put(id Key, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(id, fields)
}

func (s *Stream) put(id Key, fields []string) error {
	if id.IsMin() {
		return ErrIDZero
	}
	if s.hasLast && !id.GreaterThan(s.lastID) {
		return ErrIDTooLow
	}

	entry := Entry{ID: id, Fields: fields}
	leaf := s.root.create(id.internalRepr())
	leaf.entry = &entry

	s.lastID = id
	s.hasLast = true
	s.lastEntry = entry
	return nil
}

// Search looks up the fields stored under id, if any.
func (s *Stream) Search(id Key) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	match, failIdx, _ := s.root.longestCommonPrefix(id.internalRepr())
	if failIdx != -1 || match.entry == nil {
		return nil, false
	}
	return match.entry.Fields, true
}

// Range returns every entry with from <= id <= to, ordered by id.
func (s *Stream) Range(from, to Key) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasLast {
		return []Entry{}
	}
	entries := s.root.rangeEntries(from.internalRepr(), to.internalRepr())
	if entries == nil {
		return []Entry{}
	}
	return entries
}

// Len reports the number of entries in the stream; a stream that has
// never received an entry has length 0.
func (s *Stream) Len() int {
	s.mu.Lock()
	hasLast := s.hasLast
	s.mu.Unlock()
	if !hasLast {
		return 0
	}
	return len(s.Range(MinKey, MaxKey))
}
