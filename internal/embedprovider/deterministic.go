package embedprovider

import (
	"context"
	"hash/fnv"
	"math"
)

// deterministic is the local provider, used for tests and when the local
// mode is selected. Each byte trigram of the text (the whole text when it is
// shorter than three bytes) is hashed with FNV-64a, mixed with the seed,
// into one of dim buckets with a signed weight, and the vector is then
// L2-normalized. Equal text and seed give equal vectors; no RNG is used, and
// empty text gives the zero vector.
type deterministic struct {
	dim  int
	seed uint64
}

// NewDeterministic builds a deterministic local provider of the given
// dimension (defaults to 64 if unset).
func NewDeterministic(dim int, seed uint64) Provider {
	if dim <= 0 {
		dim = 64
	}
	return &deterministic{dim: dim, seed: seed}
}

func (d *deterministic) Name() string   { return "local" }
func (d *deterministic) Dimension() int { return d.dim }

func (d *deterministic) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *deterministic) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	b := []byte(s)
	if len(b) == 0 {
		return v
	}
	if len(b) < 3 {
		addGram(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(d.seed, b[i:i+3], v)
		}
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		inv := float32(1.0 / math.Sqrt(sum))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
