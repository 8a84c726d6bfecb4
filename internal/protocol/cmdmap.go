package protocol

import (
	"context"

	"github.com/tidwall/redcon"
)

// CommandHandler is the function signature for command handlers.
type CommandHandler func(ctx context.Context, conn redcon.Conn, args [][]byte)

const cmdBuckets = 128 // power of 2

// cmdEntry holds a command name and its handler for the lookup table.
type cmdEntry struct {
	name    string
	handler CommandHandler
}

// cmdMap is an open-addressing command table keyed by upper-case name, so
// lookups can hash the raw argument bytes without allocating a string.
type cmdMap struct {
	buckets [cmdBuckets]cmdEntry
	size    int
}

func (cm *cmdMap) register(name string, handler CommandHandler) {
	if cm.size >= cmdBuckets/2 {
		panic("cmdMap overflow")
	}
	idx := hashUpper([]byte(name)) & (cmdBuckets - 1)

	for i := uint32(0); i < cmdBuckets; i++ {
		pos := (idx + i) & (cmdBuckets - 1)
		if cm.buckets[pos].handler == nil {
			cm.buckets[pos] = cmdEntry{name: name, handler: handler}
			cm.size++
			return
		}
	}
}

// Lookup finds a handler, ignoring ASCII case. Returns nil if unknown.
func (cm *cmdMap) Lookup(name []byte) CommandHandler {
	idx := hashUpper(name) & (cmdBuckets - 1)

	for i := uint32(0); i < cmdBuckets; i++ {
		entry := &cm.buckets[(idx+i)&(cmdBuckets-1)]
		if entry.handler == nil {
			return nil
		}
		if equalFoldASCII(entry.name, name) {
			return entry.handler
		}
	}
	return nil
}

// upperTable maps ASCII lowercase to uppercase; other bytes pass through.
var upperTable [256]byte

func init() {
	for i := 0; i < 256; i++ {
		if i >= 'a' && i <= 'z' {
			upperTable[i] = byte(i - 32)
		} else {
			upperTable[i] = byte(i)
		}
	}
}

// hashUpper is FNV-1a over the upper-cased bytes.
func hashUpper(b []byte) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for _, c := range b {
		h ^= uint32(upperTable[c])
		h *= prime32
	}
	return h
}

// equalFoldASCII compares an upper-case name with raw command bytes.
func equalFoldASCII(upper string, b []byte) bool {
	if len(upper) != len(b) {
		return false
	}
	for i := range b {
		if upper[i] != upperTable[b[i]] {
			return false
		}
	}
	return true
}

func upperString(b []byte) string {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = upperTable[b[i]]
	}
	return string(out)
}
