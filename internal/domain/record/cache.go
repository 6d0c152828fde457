package record

// PatientCache is a bounded patient-snapshot cache scoped to a single
// detection cycle. Each cycle constructs its own cache so stale snapshots
// never leak across invocations; the size bound caps memory on very large
// lookback windows. Not safe for concurrent use without external locking.
type PatientCache struct {
	capacity int
	entries  map[string]*Patient
	order    []string
}

// NewPatientCache creates a cache holding at most capacity snapshots.
// A non-positive capacity falls back to 256.
func NewPatientCache(capacity int) *PatientCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &PatientCache{
		capacity: capacity,
		entries:  make(map[string]*Patient, capacity),
	}
}

// Get returns the cached snapshot for the patient id, if present.
func (c *PatientCache) Get(id string) (*Patient, bool) {
	p, ok := c.entries[id]
	return p, ok
}

// Put stores a snapshot, evicting the oldest insertion when full.
func (c *PatientCache) Put(id string, p *Patient) {
	if _, exists := c.entries[id]; exists {
		c.entries[id] = p
		return
	}
	if len(c.entries) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[id] = p
	c.order = append(c.order, id)
}

// Len reports the number of cached snapshots.
func (c *PatientCache) Len() int {
	return len(c.entries)
}
