package registry

// Functions is the table of functions modules share with each other by name.
type Functions struct {
	*Registry[string, struct{}]
}

// NewFunctions creates an empty function table.
func NewFunctions(opts Options) *Functions {
	return &Functions{New[string, struct{}]("functions", opts)}
}

// Share publishes addr under id. The first module to share an id keeps it.
func (f *Functions) Share(id string, addr uint64) bool {
	return f.Register(id, addr, struct{}{})
}

// Get returns the entry shared under id and takes a reference on it.
// The entry's Handler is the shared address.
func (f *Functions) Get(id string) (Entry[string, struct{}], bool) {
	return f.Query(id)
}

// Put gives back a reference taken by Get.
func (f *Functions) Put(e Entry[string, struct{}]) error { return f.Release(e.ID, e.Seq) }
