package batch

import (
	"sort"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/primitives"
	"github.com/Rsync25/bria/internal/utxo"
)

// Candidate is one reservable UTXO plus the value a Selector weighs it by.
type Candidate struct {
	Reservable utxo.Reservable
	Value      primitives.Satoshis
}

// Selection is the output of a Selector: the inputs it picked and the
// leftover change, which the caller encumbers back into the wallet's
// incoming account at the batch-creation template's encumbered layer.
type Selection struct {
	Inputs []Candidate
	Change primitives.Satoshis
}

// Selector picks a subset of candidates whose total value covers target,
// or reports config.ErrInsufficientUTXO. Pluggable per batch group per
// the coin-selection Open Question: original_source's batch-group config
// carries a CoinSelectionStrategy enum with exactly two variants, branch-
// and-bound and largest-first, which this interface mirrors.
type Selector interface {
	Select(candidates []Candidate, target primitives.Satoshis) (Selection, error)
}

// BranchAndBoundThenLargestFirst is the default strategy: attempt an exact
// (zero-change) branch-and-bound match first, falling back to largest-
// first accumulation when no exact match exists within the search budget.
type BranchAndBoundThenLargestFirst struct {
	// MaxAttempts bounds the branch-and-bound search (a depth-first
	// subset-sum exploration is exponential in the worst case); 0 uses a
	// sensible default.
	MaxAttempts int
}

const defaultBnBAttempts = 100_000

// Select implements Selector.
func (s BranchAndBoundThenLargestFirst) Select(candidates []Candidate, target primitives.Satoshis) (Selection, error) {
	if exact, ok := branchAndBound(candidates, target, s.attempts()); ok {
		return Selection{Inputs: exact, Change: 0}, nil
	}
	return largestFirst(candidates, target)
}

func (s BranchAndBoundThenLargestFirst) attempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return defaultBnBAttempts
}

// branchAndBound searches for an exact-sum subset of candidates (sorted
// descending, pruning branches whose remaining total cannot reach target)
// within a bounded number of node visits, matching the bitcoin-core
// branch-and-bound coin selector's "no change output" goal.
func branchAndBound(candidates []Candidate, target primitives.Satoshis, maxAttempts int) ([]Candidate, bool) {
	if target <= 0 {
		return nil, false
	}
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	suffixTotal := make([]primitives.Satoshis, len(sorted)+1)
	for i := len(sorted) - 1; i >= 0; i-- {
		suffixTotal[i] = suffixTotal[i+1] + sorted[i].Value
	}

	var best []Candidate
	attempts := 0
	var search func(idx int, remaining primitives.Satoshis, chosen []Candidate) bool
	search = func(idx int, remaining primitives.Satoshis, chosen []Candidate) bool {
		attempts++
		if attempts > maxAttempts {
			return false
		}
		if remaining == 0 {
			best = append([]Candidate(nil), chosen...)
			return true
		}
		if idx >= len(sorted) || remaining < 0 || suffixTotal[idx] < remaining {
			return false
		}
		// include sorted[idx]
		if search(idx+1, remaining-sorted[idx].Value, append(chosen, sorted[idx])) {
			return true
		}
		// exclude sorted[idx]
		return search(idx+1, remaining, chosen)
	}
	if search(0, target, nil) {
		return best, true
	}
	return nil, false
}

// largestFirst accumulates the largest candidates until the running total
// covers target, the fallback bitcoin-core itself uses when BnB finds no
// exact match.
func largestFirst(candidates []Candidate, target primitives.Satoshis) (Selection, error) {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	var total primitives.Satoshis
	var picked []Candidate
	for _, c := range sorted {
		if total >= target {
			break
		}
		picked = append(picked, c)
		total += c.Value
	}
	if total < target {
		return Selection{}, config.ErrInsufficientUTXO
	}
	return Selection{Inputs: picked, Change: total - target}, nil
}
