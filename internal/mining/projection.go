package mining

// projectionEntry is one occurrence of a suffix item's conditional
// pattern base: the set of ancestor items on one root-to-node path,
// the prefix-sum utility bound contributed by the transactions merged
// at that node, and the original-transaction indices those
// transactions correspond to.
type projectionEntry struct {
	ancestors []int64
	utility   float64
	txRefs    []int
}

// projection is a pseudo-projection: a view over the master tree (no
// subtree is copied), realized here as a slice of projectionEntry plus
// the parallel utility each carries.
type projection struct {
	entries []projectionEntry
}

// utilitySum is the upper bound used during recursive mining to decide
// whether to stop descending a branch early.
func (p projection) utilitySum() float64 {
	var sum float64
	for _, e := range p.entries {
		sum += e.utility
	}
	return sum
}

// localTWU computes, for every item present in some entry's ancestor
// set, the sum of entry utilities over entries containing it — the
// local transaction-weighted utility used to prune candidate
// extensions before recursing.
func (p projection) localTWU() map[int64]float64 {
	out := make(map[int64]float64)
	for _, e := range p.entries {
		for _, item := range e.ancestors {
			out[item] += e.utility
		}
	}
	return out
}

// narrow restricts the projection to entries whose ancestor set
// contains item, and removes item from each surviving entry's ancestor
// set (it has been consumed into the suffix). The entry's utility
// bound and txRefs carry over unchanged: since they already account
// for the full ancestor set of that path, they remain a valid (if
// looser) upper bound for any subset of the narrowed ancestor set —
// soundness does not require the tightest possible bound, only a
// truthful one.
func (p projection) narrow(item int64) projection {
	var out projection
	for _, e := range p.entries {
		if !containsItem(e.ancestors, item) {
			continue
		}
		out.entries = append(out.entries, projectionEntry{
			ancestors: removeItem(e.ancestors, item),
			utility:   e.utility,
			txRefs:    e.txRefs,
		})
	}
	return out
}

// distinctTxRefs unions (de-duplicated) the transaction indices across
// every entry still present in the projection.
func (p projection) distinctTxRefs() []int {
	seen := make(map[int]struct{})
	var out []int
	for _, e := range p.entries {
		for _, idx := range e.txRefs {
			if _, ok := seen[idx]; !ok {
				seen[idx] = struct{}{}
				out = append(out, idx)
			}
		}
	}
	return out
}

func containsItem(items []int64, target int64) bool {
	for _, it := range items {
		if it == target {
			return true
		}
	}
	return false
}

func removeItem(items []int64, target int64) []int64 {
	out := make([]int64, 0, len(items))
	for _, it := range items {
		if it != target {
			out = append(out, it)
		}
	}
	return out
}

// conditionalBase builds the initial (unnarrowed) projection for
// suffix item alpha by walking its header chain.
func (t *upTree) conditionalBase(alpha int64) projection {
	var p projection
	for _, node := range t.header[alpha] {
		p.entries = append(p.entries, projectionEntry{
			ancestors: node.ancestorItems(),
			utility:   node.nodeUtility,
			txRefs:    append([]int(nil), node.txRefs...),
		})
	}
	return p
}
