package streams

import "sync"

// KeySpace is the stream half of the database: a concurrency-safe
// registry mapping a stream key name to its Stream.
type KeySpace struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

func NewKeySpace() *KeySpace {
	return &KeySpace{streams: make(map[string]*Stream)}
}

// Get returns the stream registered under key, if any, without creating it.
func (ks *KeySpace) Get(key string) (*Stream, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	s, ok := ks.streams[key]
	return s, ok
}

// GetOrCreate returns the stream registered under key, creating an empty
// one on first use (matches XADD's implicit stream creation).
func (ks *KeySpace) GetOrCreate(key string) *Stream {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	s, ok := ks.streams[key]
	if !ok {
		s = &Stream{}
		ks.streams[key] = s
	}
	return s
}

// Has reports whether key names an existing stream, for TYPE.
func (ks *KeySpace) Has(key string) bool {
	_, ok := ks.Get(key)
	return ok
}
