package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	text := "Tax planning solutions include Tax-Optimized Portfolios and Municipal Bond Strategies."

	assert.Equal(t, 1.0, Score("tax planning", "", text))
	assert.Equal(t, 0.5, Score("tax inheritance", "", text))
	assert.Zero(t, Score("inheritance", "municipal bond", text))
	assert.Zero(t, Score("the and of", "", text))
}

func TestScoreContextOnlyAdds(t *testing.T) {
	text := "Tax planning solutions include Municipal Bond Strategies."

	base := Score("tax inheritance", "", text)
	boosted := Score("tax inheritance", "municipal bonds", text)
	unrelated := Score("tax inheritance", "weather holiday", text)

	assert.Greater(t, boosted, base)
	assert.Equal(t, base, unrelated)
	assert.LessOrEqual(t, boosted, 1.0)
}

func TestSnippetPicksBestSentence(t *testing.T) {
	text := "Our office opens at nine. Know Your Customer documentation must be refreshed before it expires. Parking is free."

	assert.Equal(t, "Know Your Customer documentation must be refreshed before it expires", Snippet("KYC documentation expires", text, 0))
	assert.Equal(t, "Our office…", Snippet("office", "Our office opens at nine", 11))
}

func TestParseTier(t *testing.T) {
	tier, ok := ParseTier("Marketing")
	assert.True(t, ok)
	assert.Equal(t, TierCatalog, tier)

	_, ok = ParseTier("gossip")
	assert.False(t, ok)

	assert.Less(t, TierRegulatory.Priority(), TierMeetingNotes.Priority())
	assert.Less(t, TierUpload.Priority(), TierCatalog.Priority())
}
