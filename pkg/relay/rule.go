package relay

// Rule is a static literal search/replace pair applied, in order, to every
// received chunk of this direction's traffic. Matches never overlap and
// the whole chunk is rewritten each turn.
type Rule struct {
	Needle      string
	Replacement string
}
