// Package extractor pulls tagged entities and keywords out of complaint text
// when the upstream front end did not supply them.
package extractor

import (
	"context"
	"strings"

	"civic-reports-go/internal/lexicon"
	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/types"
)

// Extraction is what an extractor found in one text.
type Extraction struct {
	Entities []types.Entity `json:"entities"`
	Keywords []string       `json:"keywords"`
}

func (e Extraction) Empty() bool {
	return len(e.Entities) == 0 && len(e.Keywords) == 0
}

type Extractor interface {
	Extract(ctx context.Context, text string) (Extraction, error)
}

// Fallback tries Primary and degrades to Secondary when it fails or finds
// nothing.
type Fallback struct {
	Primary   Extractor
	Secondary Extractor
	log       *logger.Logger
}

func NewFallback(primary, secondary Extractor, log *logger.Logger) *Fallback {
	return &Fallback{Primary: primary, Secondary: secondary, log: log.Component("extractor")}
}

func (f *Fallback) Extract(ctx context.Context, text string) (Extraction, error) {
	if f.Primary != nil {
		out, err := f.Primary.Extract(ctx, text)
		if err == nil && !out.Empty() {
			return out, nil
		}
		if err != nil {
			f.log.WithError(err).Warn("primary extractor failed; using lexicon extractor")
		}
	}
	return f.Secondary.Extract(ctx, text)
}

// grounded drops entities whose value does not occur in text and keywords
// that are not words or phrases of text.
func grounded(text string, in Extraction) Extraction {
	hay := " " + lexicon.Normalize(text) + " "
	occurs := func(v string) bool {
		n := lexicon.Normalize(v)
		return n != "" && strings.Contains(hay, " "+n+" ")
	}

	out := Extraction{Entities: []types.Entity{}, Keywords: []string{}}
	seen := map[string]bool{}
	for _, e := range in.Entities {
		if !validTag(e.Tag) || !occurs(e.Value) {
			continue
		}
		key := string(e.Tag) + "|" + lexicon.Normalize(e.Value)
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Entities = append(out.Entities, types.Entity{Tag: e.Tag, Value: strings.TrimSpace(e.Value)})
	}
	for _, k := range in.Keywords {
		n := lexicon.Normalize(k)
		if !occurs(k) || seen["kw|"+n] {
			continue
		}
		seen["kw|"+n] = true
		out.Keywords = append(out.Keywords, n)
	}
	return out
}

func validTag(t types.EntityTag) bool {
	switch t {
	case types.EntityLocation, types.EntityInfrastructure, types.EntityTemporal, types.EntitySeverity:
		return true
	}
	return false
}
