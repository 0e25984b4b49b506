package chat

// WildcardMatch reports whether name matches pattern, where '*' matches
// any run of characters and '?' matches exactly one. Matching is
// case-sensitive and operates on runes, not bytes.
func WildcardMatch(pattern, name string) bool {
	p := []rune(pattern)
	n := []rune(name)

	px, nx := 0, 0
	starPx, starNx := -1, 0

	for nx < len(n) {
		switch {
		case px < len(p) && (p[px] == '?' || p[px] == n[nx]):
			px++
			nx++
		case px < len(p) && p[px] == '*':
			// Remember the star so we can extend its match later.
			starPx = px
			starNx = nx
			px++
		case starPx >= 0:
			px = starPx + 1
			starNx++
			nx = starNx
		default:
			return false
		}
	}

	for px < len(p) && p[px] == '*' {
		px++
	}
	return px == len(p)
}
