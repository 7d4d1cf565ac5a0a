package selfid

// ChangeKind classifies a single port transition found by Diff.
type ChangeKind uint8

const (
	// Removed marks a subtree that was linked in the prior topology and
	// is not in the new one.
	Removed ChangeKind = iota
	// Added marks a subtree that is newly linked.
	Added
	// Updated marks a node present in both topologies whose attributes
	// may have changed (generation, speed, etc.).
	Updated
)

// Change is one node-level transition between two topologies.
type Change struct {
	Kind ChangeKind
	Node *Node // the node in the topology the change kind refers to (new for Added/Updated, old for Removed)
}

// Diff walks both topologies in parallel from their local nodes,
// producing one Change per transitioning subtree: a node appearing only
// in the new tree is Added, only in the old tree is Removed, and present
// in both is Updated. The walk follows Children links only, so it covers
// the local node and its descendants; when the local node is not the
// root, nodes outside its subtree are not reported. A nil old topology
// (first-ever build) reports every node of that subtree as Added.
func Diff(old, new *Topology) []Change {
	var changes []Change

	var walk func(o, n *Node)
	walk = func(o, n *Node) {
		switch {
		case o == nil && n == nil:
			return
		case o == nil:
			changes = append(changes, Change{Kind: Added, Node: n})
			forEachNode(n, func(child *Node) {
				changes = append(changes, Change{Kind: Added, Node: child})
			})
			return
		case n == nil:
			changes = append(changes, Change{Kind: Removed, Node: o})
			forEachNode(o, func(child *Node) {
				changes = append(changes, Change{Kind: Removed, Node: child})
			})
			return
		default:
			changes = append(changes, Change{Kind: Updated, Node: n})
		}

		// Match children by phy-id: the ports array encodes parent/child
		// relationships, so a straightforward phy-id correspondence across
		// generations is sufficient (phy-ids are reassigned by bus order on
		// every reset, but "same subtree" detection only needs parent-port
		// continuity here, matched by position within the walk).
		oldByPhy := make(map[uint8]*Node, len(o.Children))
		for _, c := range o.Children {
			oldByPhy[c.PhyID] = c
		}
		newByPhy := make(map[uint8]*Node, len(n.Children))
		for _, c := range n.Children {
			newByPhy[c.PhyID] = c
		}

		for phy, nc := range newByPhy {
			walk(oldByPhy[phy], nc)
			delete(oldByPhy, phy)
		}
		for _, oc := range oldByPhy {
			walk(oc, nil)
		}
	}

	var oldRoot, newRoot *Node
	if old != nil && int(old.LocalNode&0x3f) < len(old.Nodes) {
		oldRoot = old.Nodes[old.LocalNode&0x3f]
	}
	if new != nil && int(new.LocalNode&0x3f) < len(new.Nodes) {
		newRoot = new.Nodes[new.LocalNode&0x3f]
	}
	walk(oldRoot, newRoot)

	return changes
}

// forEachNode recursively sweeps n and every descendant, calling fn on
// each descendant (not n itself).
func forEachNode(n *Node, fn func(*Node)) {
	for _, c := range n.Children {
		fn(c)
		forEachNode(c, fn)
	}
}
