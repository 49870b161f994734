package torrent

import (
	"math/rand"
	"sort"
	"time"

	"github.com/anacrolix/multiless"
)

const chokeCycle = 30 * time.Second

// ChokeManager selects which peers are unchoked each round. Grounded on
// spec §4.5: rank peer_interested peers by recent rate, unchoke the top
// max_unchoked-1, and hold a round-robin optimistic-unchoke slot for two
// cycles. Tie-breaking in the rank pass reuses the teacher's own
// multiless-based comparison idiom from peer.go's connectionTrust.Cmp.
type ChokeManager struct {
	maxUnchoked int

	optimistic       PeerID
	optimisticCycles int

	rng *rand.Rand
}

// NewChokeManager returns a manager that keeps at most maxUnchoked peers
// unchoked at a time (including the optimistic slot).
func NewChokeManager(maxUnchoked int) *ChokeManager {
	return &ChokeManager{maxUnchoked: maxUnchoked, rng: rand.New(rand.NewSource(1))}
}

// candidate is the rank-pass input for one peer.
type candidate struct {
	id          PeerID
	interested  bool
	currentRate int64 // ranking key, higher first; runChokeCycle passes the peer's cumulative upload byte total
	unchoked    bool
}

func rankLess(l, r *candidate) multiless.Computation {
	return multiless.New().Int64(r.currentRate, l.currentRate).Int64(int64(l.id), int64(r.id))
}

// Cycle runs one full choke cycle: rank interested candidates by rate,
// unchoke the top maxUnchoked-1, and rotate the optimistic slot if its hold
// has expired. It returns the set of peer IDs that should be unchoked;
// callers are expected to call SetAmChoking(false)/(true) only on peers
// whose state actually changes (send-transitions-only, per §4.4).
func (cm *ChokeManager) Cycle(candidates []candidate) map[PeerID]bool {
	interested := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.interested {
			interested = append(interested, c)
		}
	}
	sort.Slice(interested, func(i, j int) bool {
		return rankLess(&interested[i], &interested[j]).MustLess()
	})

	unchoke := make(map[PeerID]bool, cm.maxUnchoked)
	rankSlots := cm.maxUnchoked - 1
	if rankSlots < 0 {
		rankSlots = 0
	}
	for i := 0; i < rankSlots && i < len(interested); i++ {
		unchoke[interested[i].id] = true
	}

	cm.rotateOptimistic(interested, unchoke)
	if cm.maxUnchoked > 0 && cm.optimisticCycles > 0 {
		unchoke[cm.optimistic] = true
	}
	return unchoke
}

func (cm *ChokeManager) rotateOptimistic(interested []candidate, alreadyUnchoked map[PeerID]bool) {
	if cm.optimisticCycles > 0 {
		cm.optimisticCycles--
		if cm.optimisticCycles > 0 {
			// Still within the hold; keep it, unless the peer vanished or
			// rank-unchoking already claimed it, in which case the slot
			// is freed immediately for a fresh pick below.
			for _, c := range interested {
				if c.id == cm.optimistic {
					if !alreadyUnchoked[c.id] {
						return
					}
					break
				}
			}
		}
	}
	var pool []PeerID
	for _, c := range interested {
		if !alreadyUnchoked[c.id] {
			pool = append(pool, c.id)
		}
	}
	if len(pool) == 0 {
		cm.optimisticCycles = 0
		return
	}
	cm.optimistic = pool[cm.rng.Intn(len(pool))]
	cm.optimisticCycles = 2
}

// Balance equalises the currently-unchoked count toward maxUnchoked between
// full cycles, without re-ranking: it unchokes additional interested peers
// (arbitrary order) if under cap, or chokes the excess if over.
func (cm *ChokeManager) Balance(currentlyUnchoked []PeerID, interested []PeerID) map[PeerID]bool {
	result := make(map[PeerID]bool, len(currentlyUnchoked))
	for _, id := range currentlyUnchoked {
		result[id] = true
	}
	if len(result) > cm.maxUnchoked {
		excess := len(result) - cm.maxUnchoked
		for _, id := range currentlyUnchoked {
			if excess == 0 {
				break
			}
			if id == cm.optimistic {
				continue
			}
			delete(result, id)
			excess--
		}
		return result
	}
	for _, id := range interested {
		if len(result) >= cm.maxUnchoked {
			break
		}
		result[id] = true
	}
	return result
}
