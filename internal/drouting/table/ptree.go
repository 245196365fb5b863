package table

import "fmt"

// Prefix characters, in child-slot order.
const alphabet = "0123456789*#+"

const alphabetSize = len(alphabet)

func charIndex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c == '*':
		return 10
	case c == '#':
		return 11
	case c == '+':
		return 12
	default:
		return -1
	}
}

// ValidPrefix reports whether every character of p belongs to the prefix alphabet.
func ValidPrefix(p string) bool {
	for i := 0; i < len(p); i++ {
		if charIndex(p[i]) < 0 {
			return false
		}
	}
	return true
}

type node struct {
	children [alphabetSize]*node
	rules    map[int]*Rule // caller group -> rule
}

// Tree is a digit trie mapping (prefix, group) to a rule.
// It is built single-threaded and read concurrently afterwards.
type Tree struct {
	root  *node
	nodes int
}

// NewTree creates an empty tree
func NewTree() *Tree {
	return &Tree{root: &node{}, nodes: 1}
}

// Nodes returns the number of allocated nodes
func (t *Tree) Nodes() int {
	return t.nodes
}

func (t *Tree) walk(prefix string, create bool) (*node, error) {
	n := t.root
	for i := 0; i < len(prefix); i++ {
		idx := charIndex(prefix[i])
		if idx < 0 {
			return nil, fmt.Errorf("invalid character %q in prefix %q", prefix[i], prefix)
		}
		next := n.children[idx]
		if next == nil {
			if !create {
				return nil, nil
			}
			next = &node{}
			n.children[idx] = next
			t.nodes++
		}
		n = next
	}
	return n, nil
}

// Get returns the rule stored for exactly this prefix and group.
func (t *Tree) Get(prefix string, group int) (*Rule, bool) {
	n, err := t.walk(prefix, false)
	if err != nil || n == nil {
		return nil, false
	}
	r, ok := n.rules[group]
	return r, ok
}

// Set binds a rule to (prefix, group), replacing any previous binding.
func (t *Tree) Set(prefix string, group int, r *Rule) error {
	if prefix == "" {
		return fmt.Errorf("empty prefix")
	}
	n, err := t.walk(prefix, true)
	if err != nil {
		return err
	}
	if n.rules == nil {
		n.rules = make(map[int]*Rule)
	}
	n.rules[group] = r
	return nil
}

// Match returns the rule bound to the longest stored prefix of number under
// group. The walk stops at the first character outside the alphabet.
func (t *Tree) Match(number string, group int) (*Rule, bool) {
	var best *Rule
	n := t.root
	for i := 0; i < len(number); i++ {
		idx := charIndex(number[i])
		if idx < 0 {
			break
		}
		n = n.children[idx]
		if n == nil {
			break
		}
		if r, ok := n.rules[group]; ok {
			best = r
		}
	}
	return best, best != nil
}
