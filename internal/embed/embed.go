// Package embed turns text into fixed-dimension vectors for similarity ranking.
package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// DefaultHashDimensions is the vector width of the hash embedder when none is configured.
const DefaultHashDimensions = 256

// HashEmbedder is a deterministic bag-of-words embedder. Each token is hashed into one of
// a fixed number of buckets with a hashed sign, so equal texts always produce equal vectors
// and texts sharing vocabulary land close together. It needs no model and no corpus.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hash embedder with the given width.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Model() string   { return "hash" }
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed returns the L2-normalized token-hash vector for text. Text with no usable tokens
// yields a zero vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	tokens := tokenize(text)
	vec := make([]float64, h.dims)
	if len(tokens) == 0 {
		return toFloat32(vec), nil
	}

	tf := make(map[string]int)
	maxTF := 0
	for _, tok := range tokens {
		tf[tok]++
		maxTF = max(maxTF, tf[tok])
	}

	for term, count := range tf {
		hs := fnv.New64a()
		hs.Write([]byte(term))
		sum := hs.Sum64()
		idx := int(sum % uint64(h.dims))
		sign := 1.0
		if sum&(1<<63) != 0 {
			sign = -1
		}
		// Augmented TF keeps long texts from dominating.
		vec[idx] += sign * (0.5 + 0.5*float64(count)/float64(maxTF))
	}

	normalize(vec)
	return toFloat32(vec), nil
}

// stopwords carry no topical signal and are dropped before hashing.
var stopwords = map[string]bool{
	"an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "by": true,
	"for": true, "from": true, "has": true, "in": true, "is": true, "it": true, "of": true,
	"on": true, "or": true, "that": true, "the": true, "to": true, "was": true, "we": true,
	"with": true, "this": true, "use": true, "not": true, "but": true, "our": true,
}

// tokenize splits text into lowercase tokens of letters, digits, '-' and '_' in any script,
// stripping punctuation, single characters and stopwords.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	flush := func() {
		if utf8.RuneCountInString(current.String()) > 1 && !stopwords[current.String()] {
			tokens = append(tokens, current.String())
		}
		current.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// normalize performs in-place L2 normalization.
func normalize(vec []float64) {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
}

func toFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
