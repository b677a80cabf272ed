package gamma

// tranlocalSet is the working set of a transaction.
type tranlocalSet interface {
	// find returns the tranlocal of ref or nil.
	find(ref *BaseRef) *Tranlocal
	// add returns a fresh tranlocal for ref, or nil when the set is full.
	add(ref *BaseRef) *Tranlocal
	size() int
	// each calls fn for every tranlocal until fn returns false.
	each(fn func(tl *Tranlocal) bool)
	reset()
}

// fixedSet is a preallocated working set. Used tranlocals form a doubly
// linked chain with the most recently found one in front.
type fixedSet struct {
	slots []Tranlocal
	head  *Tranlocal
	count int
}

func newFixedSet(capacity int) *fixedSet {
	return &fixedSet{slots: make([]Tranlocal, capacity)}
}

func (s *fixedSet) find(ref *BaseRef) *Tranlocal {
	for tl := s.head; tl != nil; tl = tl.next {
		if tl.ref != ref {
			continue
		}
		if tl != s.head {
			s.unlink(tl)
			s.pushFront(tl)
		}
		return tl
	}
	return nil
}

func (s *fixedSet) add(ref *BaseRef) *Tranlocal {
	if s.count == len(s.slots) {
		return nil
	}
	tl := &s.slots[s.count]
	s.count++
	tl.ref = ref
	s.pushFront(tl)
	return tl
}

func (s *fixedSet) size() int {
	return s.count
}

func (s *fixedSet) each(fn func(tl *Tranlocal) bool) {
	for tl := s.head; tl != nil; {
		next := tl.next
		if !fn(tl) {
			return
		}
		tl = next
	}
}

func (s *fixedSet) reset() {
	for i := 0; i < s.count; i++ {
		s.slots[i].clear()
	}
	s.head = nil
	s.count = 0
}

func (s *fixedSet) unlink(tl *Tranlocal) {
	if tl.prev != nil {
		tl.prev.next = tl.next
	} else {
		s.head = tl.next
	}
	if tl.next != nil {
		tl.next.prev = tl.prev
	}
	tl.prev, tl.next = nil, nil
}

func (s *fixedSet) pushFront(tl *Tranlocal) {
	tl.prev = nil
	tl.next = s.head
	if s.head != nil {
		s.head.prev = tl
	}
	s.head = tl
}

const minVariableSetSize = 16

// variableSet is an open addressing hash table of tranlocals. It probes with
// double hashing, alternating left and right of the home slot, and doubles
// when more than three quarters full. Tranlocals are recycled through a free
// list.
type variableSet struct {
	table []*Tranlocal
	count int
	free  []*Tranlocal
}

func newVariableSet(initialSize int) *variableSet {
	size := minVariableSetSize
	for size < initialSize {
		size <<= 1
	}
	return &variableSet{table: make([]*Tranlocal, size)}
}

// probe returns the i-th slot of the probe sequence for hash.
func probe(hash uint64, i int, mask uint32) uint32 {
	base := uint32(hash) & mask
	if i == 0 {
		return base
	}
	step := (uint32(hash>>32) & mask) | 1
	k := uint32((i + 1) / 2)
	if i%2 == 1 {
		return (base + k*step) & mask
	}
	return (base - k*step) & mask
}

func (s *variableSet) find(ref *BaseRef) *Tranlocal {
	mask := uint32(len(s.table) - 1)
	for i := 0; i < len(s.table); i++ {
		tl := s.table[probe(ref.hash, i, mask)]
		if tl == nil {
			return nil
		}
		if tl.ref == ref {
			return tl
		}
	}
	return nil
}

func (s *variableSet) add(ref *BaseRef) *Tranlocal {
	if (s.count+1)*4 > len(s.table)*3 {
		s.grow()
	}

	var tl *Tranlocal
	if n := len(s.free); n > 0 {
		tl = s.free[n-1]
		s.free[n-1] = nil
		s.free = s.free[:n-1]
	} else {
		tl = &Tranlocal{}
	}
	tl.ref = ref
	s.insert(tl)
	s.count++
	return tl
}

func (s *variableSet) insert(tl *Tranlocal) {
	mask := uint32(len(s.table) - 1)
	for i := 0; ; i++ {
		slot := probe(tl.ref.hash, i, mask)
		if s.table[slot] == nil {
			s.table[slot] = tl
			return
		}
	}
}

func (s *variableSet) grow() {
	old := s.table
	s.table = make([]*Tranlocal, len(old)*2)
	for _, tl := range old {
		if tl != nil {
			s.insert(tl)
		}
	}
}

func (s *variableSet) size() int {
	return s.count
}

func (s *variableSet) capacity() int {
	return len(s.table)
}

func (s *variableSet) each(fn func(tl *Tranlocal) bool) {
	for _, tl := range s.table {
		if tl != nil && !fn(tl) {
			return
		}
	}
}

func (s *variableSet) reset() {
	for i, tl := range s.table {
		if tl == nil {
			continue
		}
		tl.clear()
		s.free = append(s.free, tl)
		s.table[i] = nil
	}
	s.count = 0
}
