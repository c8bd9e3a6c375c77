package router

// fuzzyCutoff is the minimum similarity for a fuzzy automation match.
// Below it, sloppy phrasings fall through to conversation.
const fuzzyCutoff = 0.5

// Ratio measures string similarity as the fraction of characters covered
// by matching blocks: 2*M / (len(a)+len(b)), where M is the total length
// of the longest-common-substring decomposition. 1 means identical, 0
// means nothing in common.
func Ratio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return 2 * float64(matchTotal(a, b)) / float64(len(a)+len(b))
}

// matchTotal sums matching block lengths: take the longest common
// substring, then recurse on the text before and after it on both sides.
func matchTotal(a, b string) int {
	ai, bi, n := longestCommonSubstring(a, b)
	if n == 0 {
		return 0
	}
	return n + matchTotal(a[:ai], b[:bi]) + matchTotal(a[ai+n:], b[bi+n:])
}

func longestCommonSubstring(a, b string) (ai, bi, n int) {
	// prev[j] = length of the common suffix of a[:i] and b[:j]
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > n {
					n = cur[j]
					ai = i - n
					bi = j - n
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return ai, bi, n
}
