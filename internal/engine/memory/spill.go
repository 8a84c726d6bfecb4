package memory

// Spill holds string values too large to keep on the heap. The memory store
// owns the lifecycle: it writes on SET, reads on GET and deletes whenever the
// key leaves the dictionary, so implementations need no expiry of their own.
type Spill interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}
