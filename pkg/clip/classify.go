package clip

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/sanonone/imagesdb/pkg/core/distance"
	"github.com/sanonone/imagesdb/pkg/embeddings"
)

// ErrNoClasses is returned when the class list has no usable entry.
var ErrNoClasses = errors.New("clip: no classes given")

// logitScale is CLIP's learned temperature, fixed at 100 after training.
const logitScale = 100

// ClassScore is the probability of one class.
type ClassScore struct {
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
}

// Classifier performs zero-shot classification.
type Classifier struct {
	Embedder embeddings.Embedder
}

// NewClassifier returns a Classifier backed by emb.
func NewClassifier(emb embeddings.Embedder) *Classifier {
	return &Classifier{Embedder: emb}
}

// ParseClasses splits a comma-separated list, trimming, lowercasing and
// dropping empty entries.
func ParseClasses(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Classify embeds the image and scores it against the comma-separated classes.
func (c *Classifier) Classify(ctx context.Context, image []byte, classes string) ([]ClassScore, error) {
	names := ParseClasses(classes)
	if len(names) == 0 {
		return nil, ErrNoClasses
	}
	vec, err := c.Embedder.EmbedImage(ctx, image)
	if err != nil {
		return nil, err
	}
	return c.ClassifyEmbedding(ctx, vec, names)
}

// ClassifyEmbedding scores a precomputed image embedding. The result is
// sorted by descending probability, ties by class name.
func (c *Classifier) ClassifyEmbedding(ctx context.Context, image []float32, classes []string) ([]ClassScore, error) {
	if len(classes) == 0 {
		return nil, ErrNoClasses
	}
	img := distance.Normalized(image)
	if img == nil {
		return nil, errors.New("clip: zero image embedding")
	}

	logits := make([]float64, len(classes))
	for i, name := range classes {
		tv, err := c.Embedder.EmbedText(ctx, name)
		if err != nil {
			return nil, err
		}
		txt := distance.Normalized(tv)
		if txt == nil {
			return nil, errors.New("clip: zero text embedding for " + name)
		}
		if len(txt) != len(img) {
			return nil, embeddings.ErrDimensionMismatch
		}
		logits[i] = logitScale * distance.Dot(img, txt)
	}

	probs := softmax(logits)
	out := make([]ClassScore, len(classes))
	for i, name := range classes {
		out[i] = ClassScore{Class: name, Probability: probs[i]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Class < out[j].Class
	})
	return out, nil
}

func softmax(x []float64) []float64 {
	maxV := math.Inf(-1)
	for _, v := range x {
		maxV = math.Max(maxV, v)
	}
	out := make([]float64, len(x))
	var sum float64
	for i, v := range x {
		out[i] = math.Exp(v - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
