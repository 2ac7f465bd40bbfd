package verify

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/buildforge/internal/executor"
	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/prompt"
	"github.com/sells-group/buildforge/internal/provider"
)

// DefaultSamples is the number of consistency resamples.
const DefaultSamples = 3

// ScoreInput is the generation being scored.
type ScoreInput struct {
	Prompt   string
	System   string
	Context  string
	Response string
}

// Scorer rates a response for hallucination risk.
type Scorer interface {
	Score(ctx context.Context, in ScoreInput) (model.HallucinationScore, error)
}

// HallucinationScorer combines an LLM grounding check with self-consistency
// across resamples of the same prompt.
type HallucinationScorer struct {
	gen          Generator
	order        []string
	groundParams provider.Params
	sampleParams provider.Params
	samples      int
	threshold    float64
}

// ScorerConfig tunes a HallucinationScorer.
type ScorerConfig struct {
	Samples   int
	Threshold float64
	// SampleTemperature is applied to resamples; nil keeps the provider
	// default.
	SampleTemperature *float64
	GroundingModel    string
}

// NewHallucinationScorer creates a scorer.
func NewHallucinationScorer(gen Generator, order []string, cfg ScorerConfig) *HallucinationScorer {
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultSamples
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = model.HallucinationThreshold
	}
	return &HallucinationScorer{
		gen:          gen,
		order:        order,
		groundParams: provider.Params{Model: cfg.GroundingModel},
		sampleParams: provider.Params{Temperature: cfg.SampleTemperature},
		samples:      cfg.Samples,
		threshold:    cfg.Threshold,
	}
}

// Score implements Scorer. The grounding call and the resamples run
// concurrently. A grounding failure is an error; failed resamples are
// dropped as long as one succeeds.
func (s *HallucinationScorer) Score(ctx context.Context, in ScoreInput) (model.HallucinationScore, error) {
	var (
		grounding float64
		mu        sync.Mutex
		samples   []string
		firstErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.gen.Execute(gctx, executor.Call{
			System: prompt.GroundingSystem,
			Prompt: prompt.Grounding(in.Prompt, in.Context, in.Response),
			Order:  s.order,
			Params: s.groundParams,
		})
		if err != nil {
			return eris.Wrap(err, "verify: grounding")
		}
		v, err := prompt.ParseGrounding(res.Text)
		if err != nil {
			return eris.Wrap(err, "verify: grounding")
		}
		if len(v.Unsupported) > 0 {
			zap.L().Debug("verify: unsupported claims", zap.Strings("claims", v.Unsupported))
		}
		grounding = v.Score
		return nil
	})

	for range s.samples {
		g.Go(func() error {
			res, err := s.gen.Execute(gctx, executor.Call{
				System: in.System,
				Prompt: in.Prompt,
				Order:  s.order,
				Params: s.sampleParams,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			samples = append(samples, res.Text)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return model.HallucinationScore{}, err
	}
	if len(samples) == 0 && firstErr != nil {
		return model.HallucinationScore{}, eris.Wrap(firstErr, "verify: resample")
	}

	texts := samples
	if len(texts) < 2 {
		texts = append([]string{in.Response}, samples...)
	}
	consistency := MeanPairwiseSimilarity(texts)

	return model.NewHallucinationScore(grounding, consistency, s.threshold), nil
}

// MeanPairwiseSimilarity is the mean Jaccard similarity over all pairs of
// texts. Fewer than two texts score 1.
func MeanPairwiseSimilarity(texts []string) float64 {
	if len(texts) < 2 {
		return 1
	}
	sets := make([]map[string]struct{}, len(texts))
	for i, t := range texts {
		sets[i] = tokenSet(t)
	}

	var sum float64
	pairs := 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			sum += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

// tokenSet normalizes text (NFKC, case folding) and splits it on anything
// that is not a letter, digit or underscore. A Caser is not safe for
// concurrent use, so each call builds its own.
func tokenSet(text string) map[string]struct{} {
	text = cases.Fold().String(norm.NFKC.String(text))
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
