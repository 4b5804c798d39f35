package challenge

import "strings"

// Kind identifies which game the bot posted.
type Kind string

const (
	KindWord       Kind = "word"
	KindArithmetic Kind = "arithmetic"
)

func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindWord || k == KindArithmetic
}

type rule struct {
	kind    Kind
	phrases []string
}

// rules is evaluated in order. Arithmetic comes first: the arithmetic caption
// also mentions the leaderboard, and a caption matching both sets must be
// answered as a calculation.
var rules = []rule{
	{
		kind:    KindArithmetic,
		phrases: []string{"resultado del cálculo", "tabla de clasificación"},
	},
	{
		kind:    KindWord,
		phrases: []string{"escribir la palabra", "escalar en la clasificación"},
	},
}

// Phrases returns the phrases that select kind.
func Phrases(kind Kind) []string {
	for _, r := range rules {
		if r.kind == kind {
			out := make([]string, len(r.phrases))
			copy(out, r.phrases)
			return out
		}
	}
	return nil
}

// MatchPhrases looks text up in the phrase table, case-insensitively.
func MatchPhrases(text string) (Kind, bool) {
	if text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, r := range rules {
		for _, p := range r.phrases {
			if strings.Contains(lower, p) {
				return r.kind, true
			}
		}
	}
	return "", false
}

// Classifier recognizes challenges posted by the game bot in the game group.
type Classifier struct {
	GameBotID int64
	GroupID   int64
}

// Classify returns the challenge kind for a message, or false when the message
// is not a challenge. It only looks at metadata, never at the attachment.
func (c Classifier) Classify(senderID, chatID int64, caption string) (Kind, bool) {
	if c.GameBotID == 0 || senderID != c.GameBotID {
		return "", false
	}
	if chatID != c.GroupID {
		return "", false
	}
	return MatchPhrases(caption)
}
