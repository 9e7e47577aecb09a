package relationships

// Pair is an unordered pair of user ids, normalised so that A <= B.
type Pair struct {
	A string
	B string
}

// NewPair normalises a and b.
func NewPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

// Key returns a stable identifier for the pair.
func (p Pair) Key() string {
	return p.A + "|" + p.B
}
