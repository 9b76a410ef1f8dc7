package identity

import "github.com/sells-group/enforcement-cli/internal/model"

// Snapshot is a point-in-time view of the canonical entities used for
// matching. It is not safe for concurrent use; each session holds its own.
type Snapshot struct {
	entities []model.CanonicalEntity
	index    map[string]int
	byName   map[string][]int
	byReg    map[string]int
}

// NewSnapshot indexes entities.
func NewSnapshot(entities []model.CanonicalEntity) *Snapshot {
	s := &Snapshot{
		index:  make(map[string]int, len(entities)),
		byName: make(map[string][]int, len(entities)),
		byReg:  make(map[string]int),
	}
	for _, e := range entities {
		s.Put(e)
	}
	return s
}

// Len returns the number of entities.
func (s *Snapshot) Len() int { return len(s.entities) }

// Put adds e, or replaces the entity with the same id.
func (s *Snapshot) Put(e model.CanonicalEntity) {
	if e.NormalizedName == "" {
		e.NormalizedName = Normalize(e.Name)
	}
	if i, ok := s.index[e.ID]; ok {
		old := s.entities[i]
		if old.NormalizedName != e.NormalizedName {
			s.byName[old.NormalizedName] = without(s.byName[old.NormalizedName], i)
			s.byName[e.NormalizedName] = append(s.byName[e.NormalizedName], i)
		}
		s.entities[i] = e
		s.indexRegistry(e, i)
		return
	}
	i := len(s.entities)
	s.entities = append(s.entities, e)
	s.index[e.ID] = i
	s.byName[e.NormalizedName] = append(s.byName[e.NormalizedName], i)
	s.indexRegistry(e, i)
}

// Get returns the entity with id.
func (s *Snapshot) Get(id string) (model.CanonicalEntity, bool) {
	i, ok := s.index[id]
	if !ok {
		return model.CanonicalEntity{}, false
	}
	return s.entities[i], true
}

func (s *Snapshot) indexRegistry(e model.CanonicalEntity, i int) {
	if e.Registry != "" && e.RegistryID != "" {
		s.byReg[e.Registry+model.ExternalRefPrefix+e.RegistryID] = i
	}
}

func (s *Snapshot) byNormalizedName(n string) []model.CanonicalEntity {
	idx := s.byName[n]
	out := make([]model.CanonicalEntity, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.entities[i])
	}
	return out
}

func (s *Snapshot) hasRegistryID(registry, id string) bool {
	_, ok := s.byReg[registry+model.ExternalRefPrefix+id]
	return ok
}

func entityNormalizedName(e model.CanonicalEntity) string {
	if e.NormalizedName != "" {
		return e.NormalizedName
	}
	return Normalize(e.Name)
}

func without(idx []int, v int) []int {
	out := idx[:0]
	for _, i := range idx {
		if i != v {
			out = append(out, i)
		}
	}
	return out
}
