package router

import (
	"sort"
	"strings"
)

// node is one token of a command route. Leaves carry the command.
type node struct {
	cmd      *Command
	children map[string]*node
}

func newTree() *node { return &node{children: map[string]*node{}} }

func splitRoute(route string) []string { return strings.Fields(route) }

func (n *node) add(route []string, c Command) *node {
	cur := n
	for _, tok := range route {
		next, ok := cur.children[tok]
		if !ok {
			next = &node{children: map[string]*node{}}
			cur.children[tok] = next
		}
		cur = next
	}
	cur.cmd = &c
	return cur
}

func (n *node) child(name string) (*node, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *node) names() []string {
	out := make([]string, 0, len(n.children))
	for k := range n.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// walk follows args down the tree and returns the deepest match plus the
// tokens it consumed.
func (n *node) walk(args []string) (*node, []string, []string) {
	cur, path := n, []string(nil)
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		next, ok := cur.child(strings.ToLower(args[0]))
		if !ok {
			break
		}
		cur, path, args = next, append(path, strings.ToLower(args[0])), args[1:]
	}
	return cur, path, args
}

// access is the strictest access the node or any descendant requires when
// nothing below it is open to everyone.
func (n *node) access() Access {
	if n.cmd != nil {
		return n.cmd.Access
	}
	lowest := AccessOwner
	for _, c := range n.children {
		if a := c.access(); a < lowest {
			lowest = a
		}
	}
	return lowest
}
