package data

import (
	"fmt"
	"math"
	"math/rand"
)

// SyntheticConfig describes a generated data set.
type SyntheticConfig struct {
	NSkill     int
	TagsNum    int
	MaxTagsLen int
	NumSamples int
	MinLen     int // shortest sequence, in answered questions after the first
	MaxLen     int
	Seed       int64
}

// Synthetic generates learners answering questions whose difficulty depends
// on their tags, in the interaction encoding used by the model:
//
//	x[t]         = q[t] + a[t]*n_skill   (previous question and its answer)
//	target_id[t] = q[t+1]
//	label[t]     = a[t+1]
//
// Each question has between one and MaxTagsLen tags, fixed across samples.
func Synthetic(config SyntheticConfig) ([]Sample, error) {
	if config.NSkill <= 0 || config.TagsNum <= 0 || config.MaxTagsLen <= 0 {
		return nil, fmt.Errorf("n_skill, tags_num and max_tags_len must be positive")
	}
	if config.MinLen <= 0 || config.MaxLen < config.MinLen {
		return nil, fmt.Errorf("invalid length range [%d, %d]", config.MinLen, config.MaxLen)
	}
	rng := rand.New(rand.NewSource(config.Seed))

	tags := make([][]int, config.NSkill+1)
	difficulty := make([]float64, config.NSkill+1)
	tagSkill := make([]float64, config.TagsNum)
	for i := range tagSkill {
		tagSkill[i] = rng.NormFloat64()
	}
	for q := 1; q <= config.NSkill; q++ {
		n := 1 + rng.Intn(config.MaxTagsLen)
		for k := 0; k < n; k++ {
			tag := rng.Intn(config.TagsNum)
			tags[q] = append(tags[q], tag)
			difficulty[q] += tagSkill[tag]
		}
		difficulty[q] /= float64(n)
	}

	samples := make([]Sample, config.NumSamples)
	for i := range samples {
		length := config.MinLen + rng.Intn(config.MaxLen-config.MinLen+1)
		ability := rng.NormFloat64()

		q := make([]int, length+1)
		a := make([]int, length+1)
		for t := range q {
			q[t] = 1 + rng.Intn(config.NSkill)
			p := 1 / (1 + math.Exp(difficulty[q[t]]-ability))
			if rng.Float64() < p {
				a[t] = 1
			}
			// Practice raises ability slightly.
			ability += 0.05
		}

		s := Sample{
			X:        make([]int, length),
			TargetID: make([]int, length),
			Label:    make([]float64, length),
			Tags:     make([][]int, length),
		}
		for t := 0; t < length; t++ {
			s.X[t] = q[t] + a[t]*config.NSkill
			s.TargetID[t] = q[t+1]
			s.Label[t] = float64(a[t+1])
			s.Tags[t] = append([]int(nil), tags[q[t+1]]...)
		}
		samples[i] = s
	}
	return samples, nil
}
