// Package classifier assigns a problem type to a complaint from its extracted
// entities and keywords.
package classifier

import (
	"sort"

	"civic-reports-go/internal/lexicon"
	"civic-reports-go/internal/types"
)

const (
	// MinConfidence is the floor a category must reach to become primary.
	MinConfidence = 0.4
	// SecondaryThreshold is the floor for listing a non-primary category.
	SecondaryThreshold = 0.4

	strongWeight = 1.0
	weakWeight   = 0.5
)

// Signature is the keyword profile of one category.
type Signature struct {
	Type   types.ProblemType
	Strong []string
	Weak   []string
}

// Result is the classification outcome. When Fallback is set the primary is
// GENERAL_CIVIC and Confidence is the best (sub-threshold) score found.
type Result struct {
	Primary    types.ProblemType   `json:"primary"`
	Secondary  []types.ProblemType `json:"secondary"`
	Confidence float64             `json:"confidence"`
	Fallback   bool                `json:"fallback"`
	Matched    []string            `json:"matched,omitempty"`
}

type compiled struct {
	typ    types.ProblemType
	order  int
	strong *lexicon.Lexicon
	weak   *lexicon.Lexicon
}

// Engine is immutable and safe for concurrent use.
type Engine struct {
	sigs []compiled
}

// New builds an engine. With no signatures the default table is used.
func New(signatures ...Signature) *Engine {
	if len(signatures) == 0 {
		signatures = DefaultSignatures()
	}
	e := &Engine{}
	for _, s := range signatures {
		e.sigs = append(e.sigs, compiled{
			typ:    s.Type,
			order:  orderOf(s.Type),
			strong: lexicon.New(s.Strong...),
			weak:   lexicon.New(s.Weak...),
		})
	}
	return e
}

type scored struct {
	typ     types.ProblemType
	order   int
	raw     float64
	conf    float64
	matched []string
}

// Classify scores every category against the entity values and keywords.
// The result depends only on the inputs.
func (e *Engine) Classify(entities []types.Entity, keywords []string) Result {
	texts := make([]string, 0, len(entities)+len(keywords))
	for _, ent := range entities {
		texts = append(texts, ent.Value)
	}
	texts = append(texts, keywords...)

	var all []scored
	for _, c := range e.sigs {
		strong := c.strong.Find(texts...)
		weak := c.weak.Find(texts...)
		raw := float64(len(strong))*strongWeight + float64(len(weak))*weakWeight
		if raw == 0 {
			continue
		}
		all = append(all, scored{
			typ:     c.typ,
			order:   c.order,
			raw:     raw,
			conf:    confidence(raw),
			matched: append(strong, weak...),
		})
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].raw != all[j].raw {
			return all[i].raw > all[j].raw
		}
		return all[i].order < all[j].order
	})

	if len(all) == 0 {
		return Result{Primary: types.GeneralCivic, Secondary: []types.ProblemType{}, Confidence: 0, Fallback: true}
	}

	best := all[0]
	if best.conf < MinConfidence {
		return Result{
			Primary:    types.GeneralCivic,
			Secondary:  []types.ProblemType{},
			Confidence: best.conf,
			Fallback:   true,
			Matched:    best.matched,
		}
	}

	res := Result{
		Primary:    best.typ,
		Secondary:  []types.ProblemType{},
		Confidence: best.conf,
		Matched:    best.matched,
	}
	for _, s := range all[1:] {
		if s.conf >= SecondaryThreshold {
			res.Secondary = append(res.Secondary, s.typ)
		}
	}
	return res
}

// confidence maps a summed weight onto [0,1): one strong hit is 0.5, two are
// 0.67, a single weak hit is 0.33.
func confidence(raw float64) float64 {
	return raw / (raw + 1)
}

func orderOf(p types.ProblemType) int {
	for i, t := range types.ProblemTypes {
		if t == p {
			return i
		}
	}
	return len(types.ProblemTypes)
}
