// Package registry maintains the rank-ordered set of suppliers or borrowers
// for one market side. The first maxSortedUsers entries form an exact
// max-heap on the user's underlying-equivalent balance; entries beyond that
// bound live in an unsorted tail so a single update never needs a global
// resort. The head is therefore the true maximum whenever the heap window is
// non-empty, and one of the largest entries otherwise.
package registry

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrStaleValue reports an update whose caller-supplied former value does
// not match the stored one. Callers treat this as a programming error, not a
// recoverable condition.
var ErrStaleValue = errors.New("registry: former value does not match stored value")

// Account pairs a user with the balance value used for ranking.
type Account struct {
	ID    common.Address
	Value *uint256.Int
}

// Registry is the per-(market, side) ranking structure.
type Registry struct {
	accounts []Account
	size     int // accounts[:size] form a max-heap
	index    map[common.Address]int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{index: make(map[common.Address]int)}
}

// Len returns the number of tracked accounts.
func (r *Registry) Len() int { return len(r.accounts) }

// ValueOf returns the stored ranking value for a user, zero when absent.
func (r *Registry) ValueOf(id common.Address) *uint256.Int {
	if i, ok := r.index[id]; ok {
		return new(uint256.Int).Set(r.accounts[i].Value)
	}
	return new(uint256.Int)
}

// Head returns the user currently ranked first. When the heap window is
// non-empty this is the exact maximum; otherwise it is an arbitrary tail
// entry. The second return reports whether the registry holds any account.
func (r *Registry) Head() (common.Address, bool) {
	if len(r.accounts) == 0 {
		return common.Address{}, false
	}
	return r.accounts[0].ID, true
}

// Update adjusts a user's ranking value. A zero newValue removes the entry,
// a zero formerValue inserts it. The maxSortedUsers bound caps the exactly
// ordered window; when the window has grown past the bound it is halved so
// insert cost stays amortised constant.
func (r *Registry) Update(id common.Address, formerValue, newValue *uint256.Int, maxSortedUsers int) error {
	stored := new(uint256.Int)
	if i, ok := r.index[id]; ok {
		stored.Set(r.accounts[i].Value)
	}
	if stored.Cmp(formerValue) != 0 {
		return ErrStaleValue
	}

	for maxSortedUsers > 0 && r.size >= maxSortedUsers {
		r.size >>= 1
	}

	switch {
	case formerValue.Eq(newValue):
		return nil
	case newValue.IsZero():
		r.remove(id)
	case formerValue.IsZero():
		r.insert(id, newValue, maxSortedUsers)
	case newValue.Cmp(formerValue) > 0:
		r.increase(id, newValue, maxSortedUsers)
	default:
		r.decrease(id, newValue)
	}
	return nil
}

// Top returns up to k accounts in descending value order, drawn from the
// exactly sorted window.
func (r *Registry) Top(k int) []Account {
	n := r.size
	if k < n {
		n = k
	}
	if n <= 0 {
		return nil
	}
	heap := make([]Account, r.size)
	for i := range heap {
		heap[i] = Account{ID: r.accounts[i].ID, Value: new(uint256.Int).Set(r.accounts[i].Value)}
	}
	out := make([]Account, 0, n)
	for len(out) < n && len(heap) > 0 {
		out = append(out, heap[0])
		last := len(heap) - 1
		heap[0] = heap[last]
		heap = heap[:last]
		siftDownSlice(heap)
	}
	return out
}

func siftDownSlice(heap []Account) {
	i := 0
	for {
		largest := i
		if l := 2*i + 1; l < len(heap) && heap[l].Value.Cmp(heap[largest].Value) > 0 {
			largest = l
		}
		if rc := 2*i + 2; rc < len(heap) && heap[rc].Value.Cmp(heap[largest].Value) > 0 {
			largest = rc
		}
		if largest == i {
			return
		}
		heap[i], heap[largest] = heap[largest], heap[i]
		i = largest
	}
}

func (r *Registry) insert(id common.Address, value *uint256.Int, maxSortedUsers int) {
	acc := Account{ID: id, Value: new(uint256.Int).Set(value)}
	n := len(r.accounts)
	r.accounts = append(r.accounts, acc)
	r.index[id] = n
	if r.size < maxSortedUsers {
		// Move the new account into the heap window, displacing whatever
		// tail entry occupied that slot.
		r.swap(r.size, n)
		r.size++
		r.shiftUp(r.size - 1)
	}
}

func (r *Registry) remove(id common.Address) {
	i := r.index[id]
	last := len(r.accounts) - 1
	r.swap(i, last)
	r.accounts = r.accounts[:last]
	delete(r.index, id)
	if i == last {
		if i < r.size {
			r.size--
		}
		return
	}
	if i < r.size {
		r.size--
		if i < r.size {
			// Prefer keeping the evicted heap leaf in the window over the
			// arbitrary tail entry that the swap-with-last moved into slot i.
			if r.size < len(r.accounts) {
				r.swap(i, r.size)
			}
			r.shiftUp(i)
			r.shiftDown(i)
		}
	}
}

func (r *Registry) increase(id common.Address, value *uint256.Int, maxSortedUsers int) {
	i := r.index[id]
	r.accounts[i].Value = new(uint256.Int).Set(value)
	switch {
	case i < r.size:
		r.shiftUp(i)
	case r.size < maxSortedUsers:
		r.swap(i, r.size)
		r.size++
		r.shiftUp(r.size - 1)
	}
}

func (r *Registry) decrease(id common.Address, value *uint256.Int) {
	i := r.index[id]
	r.accounts[i].Value = new(uint256.Int).Set(value)
	if i < r.size {
		r.shiftDown(i)
	}
}

func (r *Registry) swap(i, j int) {
	if i == j {
		return
	}
	r.accounts[i], r.accounts[j] = r.accounts[j], r.accounts[i]
	r.index[r.accounts[i].ID] = i
	r.index[r.accounts[j].ID] = j
}

func (r *Registry) shiftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if r.accounts[i].Value.Cmp(r.accounts[parent].Value) <= 0 {
			return
		}
		r.swap(i, parent)
		i = parent
	}
}

func (r *Registry) shiftDown(i int) {
	for {
		largest := i
		if l := 2*i + 1; l < r.size && r.accounts[l].Value.Cmp(r.accounts[largest].Value) > 0 {
			largest = l
		}
		if rc := 2*i + 2; rc < r.size && r.accounts[rc].Value.Cmp(r.accounts[largest].Value) > 0 {
			largest = rc
		}
		if largest == i {
			return
		}
		r.swap(i, largest)
		i = largest
	}
}
