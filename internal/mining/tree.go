package mining

// treeNode is one node of the UP-Tree: a prefix tree whose nodes carry
// (item, count, node_utility). Children are unique by item label; the
// header table below chains every node for a given item in insertion
// order.
type treeNode struct {
	item        int64
	count       int
	nodeUtility float64
	parent      *treeNode
	children    map[int64]*treeNode

	// txRefs are the original-transaction indices whose sorted,
	// DGU-filtered item sequence passes through this node. They act as
	// weak references back into the original transaction data, used to
	// recompute exact utility without owning or copying it.
	txRefs []int
}

func newNode(item int64, parent *treeNode) *treeNode {
	return &treeNode{item: item, parent: parent, children: make(map[int64]*treeNode)}
}

// ancestorItems walks parent pointers from this node (exclusive) up to
// (excluding) the root, returning the items on that path: the
// root-exclusive, item-exclusive prefix path used to build a
// conditional pattern base.
func (n *treeNode) ancestorItems() []int64 {
	var items []int64
	for p := n.parent; p != nil && p.parent != nil; p = p.parent {
		items = append(items, p.item)
	}
	return items
}

// upTree is the master tree, owned exclusively by one mining job for
// its lifetime. generation is left at its zero value and never
// changed; the projection cache stores it with each entry and compares
// against it on read. Because each Mine call builds a fresh tree and
// fresh caches, a cache entry is never read against a different tree.
type upTree struct {
	root       *treeNode
	header     map[int64][]*treeNode // per-item chain, insertion order
	generation int64
}

func newUPTree() *upTree {
	return &upTree{
		root:   &treeNode{children: make(map[int64]*treeNode)},
		header: make(map[int64][]*treeNode),
	}
}

// insert walks filtered+sorted item sequence items (already restricted
// to I* and ordered by the global TWU-descending order) into the tree,
// applying the DGN residual utility at each visited node. residual[k]
// is the prefix-sum utility (sum_{j<=k} u_j) for position k — an upper
// bound, in this transaction, on the utility of {items[k]} unioned with
// any subset of items[0:k].
func (t *upTree) insert(txIndex int, items []int64, residual []float64) {
	cur := t.root
	for k, item := range items {
		child, ok := cur.children[item]
		if !ok {
			child = newNode(item, cur)
			cur.children[item] = child
			t.header[item] = append(t.header[item], child)
		}
		child.count++
		child.nodeUtility += residual[k]
		child.txRefs = append(child.txRefs, txIndex)
		cur = child
	}
}
