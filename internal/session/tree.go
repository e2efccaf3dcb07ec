package session

import "github.com/zulandar/customgpt/internal/models"

// Node is one message in a chat tree. Children are indexes into the
// Tree's message list, in stored order.
type Node struct {
	Message  models.Message
	Children []int
}

// Tree is the parent-linked view of a flat message list.
type Tree struct {
	Nodes []Node
	// Roots are messages with no parent or a parent that is not stored.
	Roots []int
	index map[string]int
}

// BuildTree links msgs by parent_id. When ids repeat, the first message
// with that id is the one children attach to.
func BuildTree(msgs []models.Message) *Tree {
	t := &Tree{
		Nodes: make([]Node, len(msgs)),
		index: make(map[string]int, len(msgs)),
	}
	for i, m := range msgs {
		t.Nodes[i].Message = m
		if _, dup := t.index[m.MessageID]; !dup {
			t.index[m.MessageID] = i
		}
	}
	for i, m := range msgs {
		parent, ok := t.index[m.ParentID]
		if m.ParentID == "" || !ok || parent == i {
			t.Roots = append(t.Roots, i)
			continue
		}
		t.Nodes[parent].Children = append(t.Nodes[parent].Children, i)
	}
	return t
}

// Walk visits every message once, depth first, parents before children.
// Messages caught in a parent cycle are reached after the rooted ones,
// starting from the earliest stored.
func (t *Tree) Walk(fn func(models.Message)) {
	visited := make([]bool, len(t.Nodes))
	var stack []int
	visit := func(start int) {
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[i] {
				continue
			}
			visited[i] = true
			fn(t.Nodes[i].Message)
			children := t.Nodes[i].Children
			for c := len(children) - 1; c >= 0; c-- {
				if !visited[children[c]] {
					stack = append(stack, children[c])
				}
			}
		}
	}
	for _, r := range t.Roots {
		visit(r)
	}
	for i := range t.Nodes {
		if !visited[i] {
			visit(i)
		}
	}
}

// DisplayOrder returns msgs in transcript order. The synthetic system
// message is traversed but not returned.
func DisplayOrder(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	BuildTree(msgs).Walk(func(m models.Message) {
		if isSynthetic(m) {
			return
		}
		out = append(out, m)
	})
	return out
}

func isSynthetic(m models.Message) bool {
	return m.MessageID == models.RootMessageID && m.Role == models.RoleSystem
}
