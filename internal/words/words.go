package words

import "math/rand"

var pool = []string{
	"the", "quick", "brown", "fox", "jumps", "over", "lazy", "dog", "and", "runs",
	"through", "forest", "with", "great", "speed", "while", "being", "chased", "by", "hunters",
	"who", "are", "trying", "to", "catch", "this", "magnificent", "creature", "but", "fail",
	"because", "it", "is", "too", "fast", "for", "them", "to", "keep", "up",
	"with", "its", "incredible", "pace", "across", "the", "meadow", "and", "into", "safety",
}

const passageLen = 30

// Generate returns a fresh race passage: a shuffled selection from the word pool.
func Generate() []string {
	shuffled := make([]string, len(pool))
	copy(shuffled, pool)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:passageLen]
}
