// Package msgset implements the ordered integer set used throughout the
// IMAP session engine for UID sets, MSN sets and search results.
package msgset

import (
	"math/bits"
	"sort"
	"strconv"
	"strings"
)

// blockSize is the number of values covered by one bitmap block. Blocks
// start at multiples of blockSize, matching the aox messageset.cpp layout.
const blockSize = 8192
const wordBits = 64
const wordsPerBlock = blockSize / wordBits

// block holds blockSize bits plus a cached popcount so Count doesn't have
// to re-scan every word on every call.
type block struct {
	words [wordsPerBlock]uint64
	count int
}

// Set is a compact ordered set of positive integers. The zero value is an
// empty, ready-to-use set.
type Set struct {
	blocks map[int]*block // keyed by block start (floor to blockSize)
	starts []int          // sorted block starts, kept in sync with blocks
}

func blockStart(v int) int {
	return (v - 1) / blockSize * blockSize
}

func (s *Set) blockFor(v int, create bool) *block {
	start := blockStart(v)
	if s.blocks == nil {
		if !create {
			return nil
		}
		s.blocks = make(map[int]*block)
	}
	b, ok := s.blocks[start]
	if !ok {
		if !create {
			return nil
		}
		b = &block{}
		s.blocks[start] = b
		s.insertStart(start)
	}
	return b
}

func (s *Set) insertStart(start int) {
	i := sort.SearchInts(s.starts, start)
	s.starts = append(s.starts, 0)
	copy(s.starts[i+1:], s.starts[i:])
	s.starts[i] = start
}

func (s *Set) removeStart(start int) {
	i := sort.SearchInts(s.starts, start)
	if i < len(s.starts) && s.starts[i] == start {
		s.starts = append(s.starts[:i], s.starts[i+1:]...)
	}
}

func bitPos(v, start int) (word, bit int) {
	offset := v - start - 1
	return offset / wordBits, offset % wordBits
}

// Add inserts v into the set. Adding an already-present value is a no-op.
func (s *Set) Add(v int) {
	if v < 1 {
		return
	}
	b := s.blockFor(v, true)
	w, bit := bitPos(v, blockStart(v))
	mask := uint64(1) << uint(bit)
	if b.words[w]&mask == 0 {
		b.words[w] |= mask
		b.count++
	}
}

// AddRange inserts every value in [lo, hi] into the set. Runs in
// O((hi-lo)/wordBits + blocks-touched), never one Add call per value.
func (s *Set) AddRange(lo, hi int) {
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo < 1 {
		lo = 1
	}
	if hi < 1 {
		return
	}
	v := lo
	for v <= hi {
		start := blockStart(v)
		blockEnd := start + blockSize
		end := hi
		if blockEnd < end {
			end = blockEnd
		}
		b := s.blockFor(v, true)
		s.fillRange(b, v-start-1, end-start)
		v = end + 1
	}
}

// fillRange sets bits [lo1,hi1) (0-based, within one block) to 1.
func (s *Set) fillRange(b *block, lo1, hi1 int) {
	for i := lo1; i < hi1; {
		w := i / wordBits
		bitStart := i % wordBits
		wordEnd := (w + 1) * wordBits
		runEnd := hi1
		if wordEnd < runEnd {
			runEnd = wordEnd
		}
		bitEnd := runEnd - w*wordBits
		var mask uint64
		if bitEnd-bitStart >= wordBits {
			mask = ^uint64(0)
		} else {
			mask = ((uint64(1) << uint(bitEnd-bitStart)) - 1) << uint(bitStart)
		}
		before := bits.OnesCount64(b.words[w])
		b.words[w] |= mask
		after := bits.OnesCount64(b.words[w])
		b.count += after - before
		i = runEnd
	}
}

// AddSet merges every value of other into s.
func (s *Set) AddSet(other *Set) {
	if other == nil {
		return
	}
	n := other.Count()
	for i := 1; i <= n; i++ {
		s.Add(other.Value(i))
	}
}

// Remove deletes v from the set if present.
func (s *Set) Remove(v int) {
	if v < 1 || s.blocks == nil {
		return
	}
	start := blockStart(v)
	b, ok := s.blocks[start]
	if !ok {
		return
	}
	w, bit := bitPos(v, start)
	mask := uint64(1) << uint(bit)
	if b.words[w]&mask != 0 {
		b.words[w] &^= mask
		b.count--
		if b.count == 0 {
			delete(s.blocks, start)
			s.removeStart(start)
		}
	}
}

// RemoveRange deletes every value in [lo, hi] from the set.
func (s *Set) RemoveRange(lo, hi int) {
	if hi < lo {
		lo, hi = hi, lo
	}
	for v := lo; v <= hi; v++ {
		s.Remove(v)
	}
}

// RemoveSet deletes every value of other from s.
func (s *Set) RemoveSet(other *Set) {
	if other == nil {
		return
	}
	n := other.Count()
	for i := 1; i <= n; i++ {
		s.Remove(other.Value(i))
	}
}

// Clear empties the set.
func (s *Set) Clear() {
	s.blocks = nil
	s.starts = nil
}

// Contains reports whether v is a member of the set.
func (s *Set) Contains(v int) bool {
	if v < 1 || s.blocks == nil {
		return false
	}
	b, ok := s.blocks[blockStart(v)]
	if !ok {
		return false
	}
	w, bit := bitPos(v, blockStart(v))
	return b.words[w]&(uint64(1)<<uint(bit)) != 0
}

// Count returns the number of members.
func (s *Set) Count() int {
	total := 0
	for _, b := range s.blocks {
		total += b.count
	}
	return total
}

// Smallest returns the smallest member, or 0 if the set is empty.
func (s *Set) Smallest() int {
	return s.Value(1)
}

// Largest returns the largest member, or 0 if the set is empty.
func (s *Set) Largest() int {
	return s.Value(s.Count())
}

// Value returns the rank-th smallest member (1-based). Returns 0 if rank
// is out of [1, Count()].
func (s *Set) Value(rank int) int {
	if rank < 1 {
		return 0
	}
	remaining := rank
	for _, start := range s.starts {
		b := s.blocks[start]
		if remaining > b.count {
			remaining -= b.count
			continue
		}
		return start + selectInBlock(b, remaining)
	}
	return 0
}

// selectInBlock returns the 1-based offset within the block of the
// nth set bit (1-based), walking whole words and using popcount to skip
// words that can't contain it.
func selectInBlock(b *block, n int) int {
	for w := 0; w < wordsPerBlock; w++ {
		word := b.words[w]
		if word == 0 {
			continue
		}
		pc := bits.OnesCount64(word)
		if n > pc {
			n -= pc
			continue
		}
		// find the n-th set bit within this word
		for bit := 0; bit < wordBits; bit++ {
			if word&(uint64(1)<<uint(bit)) != 0 {
				n--
				if n == 0 {
					return w*wordBits + bit + 1
				}
			}
		}
	}
	return 0
}

// Index returns the 1-based rank of v, or 0 if v is not a member.
func (s *Set) Index(v int) int {
	if v < 1 || s.blocks == nil {
		return 0
	}
	start := blockStart(v)
	b, ok := s.blocks[start]
	if !ok {
		return 0
	}
	w, bit := bitPos(v, start)
	mask := uint64(1) << uint(bit)
	if b.words[w]&mask == 0 {
		return 0
	}
	rank := 0
	for _, bs := range s.starts {
		if bs < start {
			rank += s.blocks[bs].count
			continue
		}
		if bs > start {
			break
		}
		// within this block: count set bits up to and including bit
		for ww := 0; ww < w; ww++ {
			rank += bits.OnesCount64(b.words[ww])
		}
		partial := b.words[w] & ((uint64(1) << uint(bit+1)) - 1)
		rank += bits.OnesCount64(partial)
		break
	}
	return rank
}

// Intersection returns a new Set containing values present in both s and
// other.
func (s *Set) Intersection(other *Set) *Set {
	result := &Set{}
	if other == nil {
		return result
	}
	n := s.Count()
	for i := 1; i <= n; i++ {
		v := s.Value(i)
		if other.Contains(v) {
			result.Add(v)
		}
	}
	return result
}

// Clone returns an independent copy of s.
func (s *Set) Clone() *Set {
	result := &Set{}
	result.AddSet(s)
	return result
}

// Set renders the IMAP sequence-set text form: monotonically increasing,
// comma separated, consecutive runs collapsed to "a:b". An empty set
// renders as the empty string.
func (s *Set) Set() string {
	n := s.Count()
	if n == 0 {
		return ""
	}
	var out strings.Builder
	runStart := s.Value(1)
	prev := runStart
	writeRun := func(a, b int) {
		if out.Len() > 0 {
			out.WriteByte(',')
		}
		out.WriteString(strconv.Itoa(a))
		if b != a {
			out.WriteByte(':')
			out.WriteString(strconv.Itoa(b))
		}
	}
	for i := 2; i <= n; i++ {
		v := s.Value(i)
		if v == prev+1 {
			prev = v
			continue
		}
		writeRun(runStart, prev)
		runStart = v
		prev = v
	}
	writeRun(runStart, prev)
	return out.String()
}

// CSL renders the comma-separated-list text form: every member listed
// individually, never collapsed into a range.
func (s *Set) CSL() string {
	n := s.Count()
	if n == 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = strconv.Itoa(s.Value(i))
	}
	return strings.Join(parts, ",")
}

// Parse interprets an IMAP sequence-set string ("1:3,7,10:12") into a Set.
// star resolves the "*" token to a caller-supplied value. The "$" token
// is not resolved here: like any other non-numeric token it adds nothing.
func Parse(text string, star int) *Set {
	s := &Set{}
	if strings.TrimSpace(text) == "" {
		return s
	}
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.IndexByte(part, ':'); idx >= 0 {
			lo := resolveToken(part[:idx], star)
			hi := resolveToken(part[idx+1:], star)
			s.AddRange(lo, hi)
			continue
		}
		s.Add(resolveToken(part, star))
	}
	return s
}

func resolveToken(tok string, star int) int {
	if tok == "*" {
		return star
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0
	}
	return n
}
