package terminal

const (
	nonceHistoryMax   = 10000
	nonceEvictionSize = 1000
)

// nonceHistory is a bounded set of recently seen nonces for one machine.
// When the set exceeds nonceHistoryMax entries the oldest nonceEvictionSize
// are evicted in FIFO order.
type nonceHistory struct {
	seen  map[string]bool
	order []string
}

func newNonceHistory() *nonceHistory {
	return &nonceHistory{seen: make(map[string]bool)}
}

// record returns false when the nonce was already present (a replay). On
// first sight the nonce is recorded and true is returned.
func (h *nonceHistory) record(nonce string) bool {
	if h.seen[nonce] {
		return false
	}
	h.seen[nonce] = true
	h.order = append(h.order, nonce)

	if len(h.order) > nonceHistoryMax {
		evicted := h.order[:nonceEvictionSize]
		h.order = h.order[nonceEvictionSize:]
		for _, n := range evicted {
			delete(h.seen, n)
		}
	}
	return true
}

func (h *nonceHistory) len() int { return len(h.order) }
