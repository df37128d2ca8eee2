// Copyright 2016 Daniel Krawisz.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lock

import (
	"github.com/nbutton23/zxcvbn-go"
)

// MinScore is the lowest acceptable strength score.
const MinScore = 0.5

// estimateStrength scores pass from its estimated guessing entropy.
func estimateStrength(pass []byte) *Strength {
	if len(pass) == 0 {
		return &Strength{
			Warning:     "Passphrase is empty.",
			Suggestions: []string{"Use a few words, avoid common phrases."},
		}
	}

	result := zxcvbn.PasswordStrength(string(pass), nil)

	s := &Strength{Score: float64(result.Score) / 4}
	if result.Score >= 3 {
		return s
	}

	seen := make(map[string]bool)
	suggest := func(msg string) {
		if !seen[msg] {
			seen[msg] = true
			s.Suggestions = append(s.Suggestions, msg)
		}
	}

	// The longest match is the weakest part of the passphrase.
	longest := -1
	for i, m := range result.MatchSequence {
		if longest < 0 || m.J-m.I > result.MatchSequence[longest].J-result.MatchSequence[longest].I {
			longest = i
		}
		switch m.Pattern {
		case "dictionary":
			suggest("Avoid common words and names.")
		case "spatial":
			suggest("Use a longer keyboard pattern with more turns.")
		case "repeat":
			suggest("Avoid repeated words and characters.")
		case "sequence":
			suggest("Avoid sequences.")
		case "date":
			suggest("Avoid dates and years that are associated with you.")
		}
	}
	suggest("Add another word or two. Uncommon words are better.")

	if longest >= 0 {
		switch result.MatchSequence[longest].Pattern {
		case "dictionary":
			s.Warning = "This is similar to a commonly used passphrase."
		case "spatial":
			s.Warning = "Short keyboard patterns are easy to guess."
		case "repeat":
			s.Warning = "Repeats like \"aaa\" are easy to guess."
		case "sequence":
			s.Warning = "Sequences like abc or 6543 are easy to guess."
		case "date":
			s.Warning = "Dates are often easy to guess."
		}
	}
	return s
}

// validatePassphrase fails with *TooWeakError if pass scores below MinScore.
func validatePassphrase(pass []byte) (*Strength, error) {
	s := estimateStrength(pass)
	if s.Score < MinScore {
		return s, &TooWeakError{
			Score:       s.Score,
			Warning:     s.Warning,
			Suggestions: s.Suggestions,
		}
	}
	return s, nil
}
