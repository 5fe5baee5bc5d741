package party

import (
	"crypto/sha256"
	"errors"
	"math/big"
	"sort"

	"dkls-node/internal/curve"
	"dkls-node/internal/setup"
)

// ErrNoQuorum is returned when the available parties cannot form a quorum.
var ErrNoQuorum = errors.New("no signing quorum among the available parties")

// ElectCoordinator deterministically selects an index in [0, n) from the
// hash of a session ID.
func ElectCoordinator(sessionID string, n int) int {
	if n <= 0 {
		return -1
	}
	hash := sha256.Sum256([]byte(sessionID))
	hashInt := new(big.Int).SetBytes(hash[:])
	mod := new(big.Int).Mod(hashInt, big.NewInt(int64(n)))
	return int(mod.Int64())
}

// SelectQuorum picks t party ids from available that can reconstruct the
// key, always including required. Candidates are tried in an order rotated
// by the session id so load spreads across the parties; lower ranks go first
// since they are the ones every quorum needs.
func SelectQuorum(sessionID string, ranks []uint8, t int, available []int, required int) ([]int, error) {
	seen := make(map[int]bool, len(available))
	var candidates []int
	for _, id := range append([]int{required}, available...) {
		if id < 0 || id >= len(ranks) || seen[id] {
			continue
		}
		seen[id] = true
		candidates = append(candidates, id)
	}
	if !seen[required] || len(candidates) < t {
		return nil, ErrNoQuorum
	}

	rest := candidates[1:]
	if len(rest) > 0 {
		shift := ElectCoordinator(sessionID, len(rest))
		rest = append(append([]int(nil), rest[shift:]...), rest[:shift]...)
	}
	sort.SliceStable(rest, func(i, j int) bool { return ranks[rest[i]] < ranks[rest[j]] })

	var out []int
	var pick func(start int, cur []int) bool
	pick = func(start int, cur []int) bool {
		if len(cur) == t {
			if _, err := curve.BirkhoffCoefficients(setup.Nodes(cur, ranks)); err == nil {
				out = append([]int(nil), cur...)
				return true
			}
			return false
		}
		for i := start; i < len(rest); i++ {
			if pick(i+1, append(cur, rest[i])) {
				return true
			}
		}
		return false
	}
	if !pick(0, []int{required}) {
		return nil, ErrNoQuorum
	}
	return out, nil
}
