// Radix tree over 22-symbol base-64 digit keys (see key.go). Single-child
// chains are compressed into a node's extraChars so the tree stays
// shallow for sparse, far-apart stream ids.
//
// Each internal node carries a bitmap marking which of its 64 possible
// children are present; bits.OnesCount64 turns a bitmap offset into the
// node's actual index in children, so no node wastes space on absent
// branches.
package streams

import "math/bits"

type rxChar = uint8
type internalKey = []rxChar

// node is one radix tree node. Only leaves carry an entry; internal
// nodes exist purely to route to the 22nd symbol.
type node struct {
	entry      *Entry
	bitmap     uint64
	extraChars []uint8
	children   []node
}

// Entry is one stored stream record.
type Entry struct {
	ID     Key
	Fields []string
}

// longestCommonPrefix walks key from n, returning the deepest node
// reached, the index in key where the walk stopped, and (if the stop
// happened mid-compression) the offset into that node's extraChars.
// failIdx == -1 means the full key matched and bestMatch is a leaf.
func (n *node) longestCommonPrefix(key internalKey) (bestMatch *node, failIdx int, extraFailIdx int) {
	cur := n
	for depth := 0; ; depth++ {
		for i, c := range cur.extraChars {
			if c != key[depth+i] {
				return cur, depth + i, i
			}
		}
		depth += len(cur.extraChars)

		if depth == len(key) {
			return cur, -1, -1
		}

		offset := key[depth]
		mask := uint64(1) << offset
		if cur.bitmap&mask == 0 {
			return cur, depth, -1
		}
		cur = &cur.children[childIdx(cur.bitmap, offset)]
	}
}

// create returns the node for key, creating any intermediate nodes
// needed, splitting a compressed node if key diverges partway through it.
func (n *node) create(key internalKey) *node {
	match, failIdx, extraFailIdx := n.longestCommonPrefix(key)
	if failIdx == -1 {
		return match
	}

	var fresh *node
	if extraFailIdx == -1 {
		offset := key[failIdx]
		mask := uint64(1) << offset
		match.bitmap |= mask
		idx := childIdx(match.bitmap, offset)
		match.appendChild(idx)
		fresh = &match.children[idx]
	} else {
		split := *match
		split.extraChars = match.extraChars[extraFailIdx+1:]

		splitOffset := match.extraChars[extraFailIdx]
		freshOffset := key[failIdx]
		if freshOffset > splitOffset {
			match.children = []node{split, {}}
			fresh = &match.children[1]
		} else {
			match.children = []node{{}, split}
			fresh = &match.children[0]
		}
		match.extraChars = match.extraChars[:extraFailIdx]
		match.bitmap = uint64(1)<<splitOffset | uint64(1)<<freshOffset
		match.entry = nil
	}

	rest := key[failIdx+1:]
	if len(rest) > 0 {
		fresh.extraChars = append([]uint8(nil), rest...)
	}
	return fresh
}

func (n *node) appendChild(idx int) {
	if n.children == nil {
		n.children = []node{{}}
		return
	}
	if len(n.children)+1 > cap(n.children) {
		grown := make([]node, len(n.children)+1, cap(n.children)+2)
		copy(grown, n.children[:idx])
		copy(grown[idx+1:], n.children[idx:])
		n.children = grown
		return
	}
	n.children = n.children[:len(n.children)+1]
	copy(n.children[idx+1:], n.children[idx:])
	n.children[idx] = node{}
}

// rangeEntries returns entries with a key between fromKey and toKey,
// inclusive, ordered lowest to highest.
func (n *node) rangeEntries(fromKey, toKey internalKey) []Entry {
	cur := n
	for depth := 0; ; depth++ {
		for i, c := range cur.extraChars {
			from, to := fromKey[depth+i], toKey[depth+i]

			switch {
			case from == to && to == c:
				continue
			case from == to:
				return []Entry{}
			case from < c && c < to:
				return cur.getAllLeaves()
			case c < from || to < c:
				return []Entry{}
			case c == from:
				return cur.higherEntries(fromKey[depth:])
			case c == to:
				return cur.lowerEntries(toKey[depth:])
			}
		}
		depth += len(cur.extraChars)

		if depth == len(fromKey) {
			return []Entry{*cur.entry}
		}

		if fromKey[depth] == toKey[depth] {
			mask := uint64(1) << toKey[depth]
			if cur.bitmap&mask == 0 {
				return []Entry{}
			}
			cur = &cur.children[childIdx(cur.bitmap, toKey[depth])]
			continue
		}

		var result []Entry
		if fromMask := uint64(1) << fromKey[depth]; cur.bitmap&fromMask != 0 {
			fromNode := cur.children[childIdx(cur.bitmap, fromKey[depth])]
			result = append(result, fromNode.higherEntries(fromKey[depth+1:])...)
		}
		for i := fromKey[depth] + 1; i < toKey[depth]; i++ {
			if mask := uint64(1) << i; cur.bitmap&mask != 0 {
				child := cur.children[childIdx(cur.bitmap, i)]
				result = append(result, child.getAllLeaves()...)
			}
		}
		if toMask := uint64(1) << toKey[depth]; cur.bitmap&toMask != 0 {
			toNode := cur.children[childIdx(cur.bitmap, toKey[depth])]
			result = append(result, toNode.lowerEntries(toKey[depth+1:])...)
		}
		return result
	}
}

func (n *node) higherEntries(key internalKey) []Entry {
	nodes := n.higherSiblingsDFS(key)
	entries := make([]Entry, 0, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		entries = append(entries, nodes[i].getAllLeaves()...)
	}
	return entries
}

func (n *node) lowerEntries(key internalKey) []Entry {
	nodes := n.lowerSiblingsDFS(key)
	entries := make([]Entry, 0, len(nodes))
	for _, nd := range nodes {
		entries = append(entries, nd.getAllLeaves()...)
	}
	return entries
}

func (n *node) getAllLeaves() []Entry {
	entries := make([]Entry, 0, 1)
	stack := []*node{n}
	for len(stack) > 0 {
		var cur *node
		stack, cur = stack[:len(stack)-1], stack[len(stack)-1]
		if cur.entry != nil {
			entries = append(entries, *cur.entry)
		} else {
			stack = appendPtrsReverse(stack, cur.children)
		}
	}
	return entries
}

// higherSiblingsDFS returns, highest to lowest, the set of nodes whose
// entire subtree has a key >= key.
func (n *node) higherSiblingsDFS(key internalKey) []*node {
	var result []*node
	cur := n
	for depth := 0; ; depth++ {
		for i, c := range cur.extraChars {
			switch {
			case c < key[depth+i]:
				return result
			case c > key[depth+i]:
				return append(result, cur)
			}
		}
		depth += len(cur.extraChars)

		if depth == len(key) {
			return append(result, cur)
		}

		offset := key[depth]
		mask := uint64(1) << offset
		idx := childIdx(cur.bitmap, offset)
		if cur.bitmap&mask == 0 {
			return appendPtrsReverse(result, cur.children[idx:])
		}
		result = appendPtrsReverse(result, cur.children[idx+1:])
		cur = &cur.children[idx]
	}
}

// lowerSiblingsDFS returns, lowest to highest, the set of nodes whose
// entire subtree has a key <= key.
func (n *node) lowerSiblingsDFS(key internalKey) []*node {
	var result []*node
	cur := n
	for depth := 0; ; depth++ {
		for i, c := range cur.extraChars {
			switch {
			case c > key[depth+i]:
				return result
			case c < key[depth+i]:
				return append(result, cur)
			}
		}
		depth += len(cur.extraChars)

		if depth == len(key) {
			return append(result, cur)
		}

		offset := key[depth]
		mask := uint64(1) << offset
		idx := childIdx(cur.bitmap, offset)
		if cur.bitmap&mask == 0 {
			return appendPtrs(result, cur.children[:idx])
		}
		result = appendPtrs(result, cur.children[:idx])
		cur = &cur.children[idx]
	}
}

func appendPtrs(dst []*node, src []node) []*node {
	for i := range src {
		dst = append(dst, &src[i])
	}
	return dst
}

func appendPtrsReverse(dst []*node, src []node) []*node {
	for i := len(src) - 1; i >= 0; i-- {
		dst = append(dst, &src[i])
	}
	return dst
}

// childIdx returns the index bitmapOffset would occupy in children,
// regardless of whether it is actually present.
func childIdx(bitmap uint64, bitmapOffset uint8) int {
	if bitmapOffset == 0 {
		return 0
	}
	belowMask := maxUint64 >> (64 - bitmapOffset)
	return bits.OnesCount64(bitmap & belowMask)
}
