package locktree

import "github.com/ValentinKolb/locktree/lib/txnid"

// waitForGraph records wait-for relationships between transactions: an edge
// from A to B means A waits for a lock held by B. A graph is built for one
// deadlock check and thrown away afterwards, so it needs no locking.
type waitForGraph struct {
	edges map[txnid.TxnID][]txnid.TxnID // adjacency lists in insertion order
}

func newWaitForGraph() *waitForGraph {
	return &waitForGraph{edges: make(map[txnid.TxnID][]txnid.TxnID)}
}

// nodeExists reports whether id appears as a waiter or a holder.
func (g *waitForGraph) nodeExists(id txnid.TxnID) bool {
	_, ok := g.edges[id]
	return ok
}

// addEdge records that waiter waits for holder. Duplicate edges are ignored.
func (g *waitForGraph) addEdge(waiter, holder txnid.TxnID) {
	if _, ok := g.edges[holder]; !ok {
		g.edges[holder] = nil
	}
	for _, h := range g.edges[waiter] {
		if h == holder {
			return
		}
	}
	g.edges[waiter] = append(g.edges[waiter], holder)
}

// cycleExistsFrom reports whether id can reach itself.
func (g *waitForGraph) cycleExistsFrom(id txnid.TxnID) bool {
	visited := make(map[txnid.TxnID]bool, len(g.edges))
	return g.reaches(id, id, visited)
}

// reaches is a depth-first search from node looking for target.
func (g *waitForGraph) reaches(node, target txnid.TxnID, visited map[txnid.TxnID]bool) bool {
	for _, next := range g.edges[node] {
		if next == target {
			return true
		}
		if visited[next] {
			continue
		}
		visited[next] = true
		if g.reaches(next, target, visited) {
			return true
		}
	}
	return false
}
