package compliance

import "github.com/wudi/pdfinspect/ir/raw"

type treeNode struct {
	it   item
	dict *raw.DictObj
	// parent is the index of the containing node, -1 for the root.
	parent    int
	ancestors []raw.ObjectRef
	leaf      bool
	count     int64
	hasCount  bool
	children  []int
}

// walkPageTree checks the page tree under the catalog's /Pages. Nodes are
// visited breadth-first; a node reachable through several /Kids arrays is
// checked once, under the first parent that reached it.
func (w *walker) walkPageTree(cat *raw.DictObj, catRef raw.ObjectRef) {
	catItem := item{ref: catRef, hasRef: true}
	pv, ok := cat.Get("Pages")
	if !ok {
		return
	}
	rootItem := catItem
	if r, isRef := pv.(raw.RefObj); isRef {
		rootItem = item{ref: r.R, hasRef: true}
	}
	rootDict, ok := w.derefDictValue(catItem, pv)
	if !ok {
		return
	}

	nodes := []*treeNode{{it: rootItem, dict: rootDict, parent: -1}}
	seen := map[raw.ObjectRef]bool{}
	if rootItem.hasRef {
		seen[rootItem.ref] = true
	}
	for i := 0; i < len(nodes); i++ {
		if i%256 == 0 && w.ctx.Err() != nil {
			return
		}
		if !w.tick() {
			return
		}
		n := nodes[i]
		w.checkTreeNode(nodes, i)

		if n.leaf {
			w.pages++
			continue
		}
		kv, ok := n.dict.Get("Kids")
		if !ok {
			w.flag("PGT001", n.it, "page tree node has no /Kids")
			continue
		}
		ko, _ := w.deref(n.it, kv)
		kids, ok := ko.(*raw.ArrayObj)
		if !ok {
			w.flag("PGT001", n.it, "page tree node /Kids is not an array")
			continue
		}
		path := n.ancestors
		if n.it.hasRef {
			path = append(append([]raw.ObjectRef(nil), n.ancestors...), n.it.ref)
		}
		for _, k := range kids.Items {
			child := item{ref: n.it.ref, hasRef: n.it.hasRef}
			if r, isRef := k.(raw.RefObj); isRef {
				if containsRef(path, r.R) {
					w.flag("PGT003", n.it, "/Kids revisits ancestor %s", r.R)
					continue
				}
				if seen[r.R] {
					continue
				}
				seen[r.R] = true
				child = item{ref: r.R, hasRef: true}
			}
			kd, ok := w.derefDictValue(n.it, k)
			if !ok {
				if _, present := w.deref(n.it, k); present {
					w.flag("TYP001", n.it, "page tree kid %v is not a dictionary", k)
				}
				continue
			}
			n.children = append(n.children, len(nodes))
			nodes = append(nodes, &treeNode{it: child, dict: kd, parent: i, ancestors: path})
		}
	}

	// Children always follow their parent, so a reverse pass sees every
	// subtree complete.
	leaves := make([]int64, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n.leaf {
			leaves[i] = 1
			continue
		}
		for _, c := range n.children {
			leaves[i] += leaves[c]
		}
	}
	for i, n := range nodes {
		if n.leaf {
			continue
		}
		switch {
		case !n.hasCount:
			w.flag("PGT002", n.it, "page tree node has no integer /Count")
		case n.count != leaves[i]:
			w.flag("PGT002", n.it, "/Count %d but the subtree holds %d pages", n.count, leaves[i])
		}
	}
}

// checkTreeNode classifies nodes[i] as a leaf or an intermediate node and
// applies the per-node rules.
func (w *walker) checkTreeNode(nodes []*treeNode, i int) {
	n := nodes[i]
	typ, _ := n.dict.Name("Type")
	_, hasKids := n.dict.Get("Kids")
	switch {
	case typ == "Pages":
	case typ == "Page":
		n.leaf = true
	case hasKids:
		w.flag("PGT006", n.it, "page tree node has /Type %q, want /Pages", typ)
	default:
		n.leaf = true
		w.flag("PGT006", n.it, "page has /Type %q, want /Page", typ)
	}
	if !n.leaf {
		n.count, n.hasCount = w.derefInt(n.it, n.dict, "Count")
	}

	if n.parent >= 0 {
		container := nodes[n.parent].it
		pv, ok := n.dict.Get("Parent")
		r, isRef := pv.(raw.RefObj)
		switch {
		case !ok:
			w.flag("PGT005", n.it, "page tree node has no /Parent")
		case container.hasRef && (!isRef || r.R != container.ref):
			w.flag("PGT005", n.it, "/Parent %v is not the containing node %s", pv, container.ref)
		}
	}
	if n.it.hasRef {
		w.checkParentCycle(n.it.ref)
	}

	if n.leaf {
		if !w.inherits(n.it, n.dict, "MediaBox") {
			w.flag("PGT007", n.it, "page has no /MediaBox, directly or inherited")
		}
		if !w.inherits(n.it, n.dict, "Resources") {
			w.flag("PGT008", n.it, "page has no /Resources, directly or inherited")
		}
	}
}

// inherits reports whether key is set on d or on one of its /Parent
// ancestors. A cyclic chain ends the search.
func (w *walker) inherits(at item, d *raw.DictObj, key string) bool {
	seen := map[*raw.DictObj]bool{}
	for cur := d; cur != nil && !seen[cur]; {
		seen[cur] = true
		if v, ok := cur.Get(key); ok {
			if _, ok := w.deref(at, v); ok {
				return true
			}
		}
		pv, ok := cur.Get("Parent")
		if !ok {
			return false
		}
		cur, _ = w.derefDictValue(at, pv)
	}
	return false
}

// checkParentCycle follows /Parent references from start and reports a
// cycle once, keyed by its smallest member. Chains already followed are not
// walked again.
func (w *walker) checkParentCycle(start raw.ObjectRef) {
	pos := map[raw.ObjectRef]int{}
	var chain []raw.ObjectRef
	defer func() {
		for _, r := range chain {
			w.parentsDone[r] = true
		}
	}()
	cur := start
	for len(chain) < w.opts.MaxTraversal && !w.parentsDone[cur] {
		if at, ok := pos[cur]; ok {
			cycle := chain[at:]
			key := cycle[0]
			for _, r := range cycle[1:] {
				if r.Less(key) {
					key = r
				}
			}
			if !w.cycles[key] {
				w.cycles[key] = true
				w.flag("PGT004", item{ref: key, hasRef: true}, "/Parent chain cycles through %d objects", len(cycle))
			}
			return
		}
		pos[cur] = len(chain)
		chain = append(chain, cur)

		e, ok := w.g.Lookup(cur.Num)
		if !ok || !e.Matches(cur.Gen) {
			return
		}
		d, ok := w.g.Resolve(cur.Num, cur.Gen).(*raw.DictObj)
		if !ok {
			return
		}
		next, ok := d.RefValue("Parent")
		if !ok {
			return
		}
		cur = next
	}
}

func containsRef(refs []raw.ObjectRef, r raw.ObjectRef) bool {
	for _, x := range refs {
		if x == r {
			return true
		}
	}
	return false
}
