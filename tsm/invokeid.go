// Package tsm implements the transaction state machines (ASHRAE 135
// Clause 5): client-side invoke-id allocation, retry, and response
// demultiplexing, server-side request dispatch, and the segmentation
// sliding window shared by both directions. The header-plus-window
// bookkeeping is grounded on the teacher's cmd/gnbsim_sctp.go, which
// drives a blocking request/response exchange with a goroutine-plus-
// channel-plus-timeout shape; tsm generalizes that single exchange into
// a per-(peer, invoke-id) table of concurrent exchanges.
package tsm

import "sync"

// InvokeIDPool allocates 8-bit invoke-ids for one peer from a 256-bit
// bitmap, refusing to reissue an id with an active transaction
// (spec.md §4.1 "Transaction").
type InvokeIDPool struct {
	mu   sync.Mutex
	bits [4]uint64
	next uint8
}

// NewInvokeIDPool constructs an empty pool.
func NewInvokeIDPool() *InvokeIDPool { return &InvokeIDPool{} }

// Allocate reserves the next free invoke-id, scanning forward from the
// last one issued so ids cycle rather than cluster near zero. ok is
// false if all 256 ids are currently in use.
func (p *InvokeIDPool) Allocate() (id uint8, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < 256; i++ {
		candidate := p.next
		p.next++
		word, bit := candidate/64, candidate%64
		if p.bits[word]&(1<<bit) == 0 {
			p.bits[word] |= 1 << bit
			return candidate, true
		}
	}
	return 0, false
}

// Release frees id for reuse.
func (p *InvokeIDPool) Release(id uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	word, bit := id/64, id%64
	p.bits[word] &^= 1 << bit
}

// IsAllocated reports whether id is currently reserved.
func (p *InvokeIDPool) IsAllocated(id uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	word, bit := id/64, id%64
	return p.bits[word]&(1<<bit) != 0
}
