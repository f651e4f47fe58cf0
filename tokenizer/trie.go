package tokenizer

// trie is a byte trie over token values.
type trie struct {
	children map[byte]*trie
	hasValue bool
	value    uint32
}

func (n *trie) Insert(key string, value uint32) {
	n.insert([]byte(key), value)
}

func (n *trie) insert(key []byte, value uint32) {
	if len(key) == 0 {
		n.hasValue = true
		n.value = value
		return
	}

	if n.children == nil {
		n.children = make(map[byte]*trie)
	}

	child, exists := n.children[key[0]]
	if !exists {
		child = &trie{}
		n.children[key[0]] = child
	}
	child.insert(key[1:], value)
}

// LongestMatch returns the length and value of the longest key that prefixes
// b. A zero length means no key matched.
func (n *trie) LongestMatch(b []byte) (int, uint32) {
	var length int
	var value uint32

	node := n
	for i, c := range b {
		if node = node.Traverse(c); node == nil {
			break
		}

		if node.hasValue {
			length, value = i+1, node.value
		}
	}

	return length, value
}

func (n *trie) Traverse(c byte) *trie {
	if n.children == nil {
		return nil
	}
	return n.children[c]
}
