// Package scoring combines the embedding and token-overlap signals into the
// final ranking score.
package scoring

import (
	"fmt"

	"cv-match-go/internal/config"
	"cv-match-go/internal/similarity"
	"cv-match-go/internal/textnorm"
)

// Weights configures the score composition. Alpha balances the cosine
// signal against the token-overlap signal; the category weights distribute
// the overlap signal and are applied exactly as configured. They need not
// sum to 1 and may all be zero, which mutes the overlap signal.
type Weights struct {
	Alpha      float32
	Skills     float32
	Experience float32
	Education  float32
	Languages  float32
	Threshold  int
}

// DefaultWeights returns the composition parameters the engine ships with.
func DefaultWeights() Weights {
	return Weights{
		Alpha:      0.7,
		Skills:     0.45,
		Experience: 0.2,
		Education:  0.35,
		Languages:  0,
		Threshold:  87,
	}
}

// FromConfig lifts the ranking section of the service configuration into
// composition parameters.
func FromConfig(cfg config.RankingConfig) Weights {
	return Weights{
		Alpha:      cfg.Alpha,
		Skills:     cfg.WeightSkills,
		Experience: cfg.WeightExperience,
		Education:  cfg.WeightEducation,
		Languages:  cfg.WeightLanguages,
		Threshold:  cfg.Threshold,
	}
}

// Validate rejects parameter combinations the composition cannot use.
func (w Weights) Validate() error {
	if w.Alpha < 0 || w.Alpha > 1 {
		return fmt.Errorf("alpha %v out of range [0,1]", w.Alpha)
	}
	for name, v := range map[string]float32{
		"skills":     w.Skills,
		"experience": w.Experience,
		"education":  w.Education,
		"languages":  w.Languages,
	} {
		if v < 0 {
			return fmt.Errorf("negative %s weight %v", name, v)
		}
	}
	if w.Threshold < 0 || w.Threshold > 100 {
		return fmt.Errorf("fuzzy threshold %d out of range [0,100]", w.Threshold)
	}
	return nil
}

// Sides carries one party's inputs to the composition: the embedding vector
// with its precomputed norm plus the four token categories.
type Sides struct {
	Vector     []float32
	VectorNorm float64
	Skills     textnorm.TokenSet
	Experience textnorm.TokenSet
	Education  textnorm.TokenSet
	Languages  textnorm.TokenSet
}

// Breakdown holds the final score together with every intermediate signal,
// so rankings can be explained after the fact.
type Breakdown struct {
	Score       float64
	Cosine      float64
	JTotal      float64
	JSkills     float64
	JExperience float64
	JEducation  float64
	JLanguages  float64
}

// Compose scores a candidate against a profile. The profile is always the
// first argument of each soft-Jaccard comparison, which pins down the greedy
// matching direction. A missing embedding on either side zeroes the cosine
// term rather than failing; the overlap signal still contributes. The cosine
// keeps its sign and the category weights are applied as configured, without
// normalization.
func Compose(profile, candidate Sides, w Weights) Breakdown {
	var b Breakdown

	b.Cosine = similarity.Cosine(profile.Vector, profile.VectorNorm, candidate.Vector, candidate.VectorNorm)

	thr := w.Threshold
	b.JSkills = similarity.SoftJaccard(profile.Skills, candidate.Skills, thr)
	b.JExperience = similarity.SoftJaccard(profile.Experience, candidate.Experience, thr)
	b.JEducation = similarity.SoftJaccard(profile.Education, candidate.Education, thr)
	b.JLanguages = similarity.SoftJaccard(profile.Languages, candidate.Languages, thr)

	b.JTotal = float64(w.Skills)*b.JSkills +
		float64(w.Experience)*b.JExperience +
		float64(w.Education)*b.JEducation +
		float64(w.Languages)*b.JLanguages

	alpha := float64(w.Alpha)
	b.Score = alpha*b.Cosine + (1-alpha)*b.JTotal
	return b
}
