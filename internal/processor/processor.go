// Package processor prepares an intake request for the complaint pipeline:
// voice submissions are transcribed and missing entities and keywords are
// extracted from the text.
package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"civic-reports-go/internal/extractor"
	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/types"
)

// Request is an intake submission as received from the front end.
type Request struct {
	ID          string          `json:"id,omitempty"`
	TextContent string          `json:"text_content"`
	InputType   types.InputType `json:"input_type"`
	AudioURL    string          `json:"audio_url,omitempty"`
	Metadata    types.Metadata  `json:"metadata"`
	Entities    []types.Entity  `json:"entities,omitempty"`
	Keywords    []string        `json:"keywords,omitempty"`
}

type Transcriber interface {
	GetTranscript(ctx context.Context, audioURL string) (string, error)
}

// Prepared is the pipeline input plus what preparation did to get it.
type Prepared struct {
	Input       types.ProcessedInput `json:"input"`
	Transcribed bool                 `json:"transcribed"`
	Extracted   bool                 `json:"extracted"`
	DurationMs  int64                `json:"duration_ms"`
}

type Processor struct {
	transcriber Transcriber
	extractor   extractor.Extractor
	log         *logger.Logger
	now         func() time.Time
}

// New builds a processor. transcriber may be nil, in which case voice
// submissions must already carry text.
func New(t Transcriber, x extractor.Extractor, log *logger.Logger) *Processor {
	return &Processor{transcriber: t, extractor: x, log: log.Component("processor"), now: time.Now}
}

// Prepare turns req into a ProcessedInput. A request with nothing to analyse
// is rejected with types.ErrInputRejected; a failed transcription is
// reported as types.ErrIntegrationTransient.
func (p *Processor) Prepare(ctx context.Context, req Request) (Prepared, error) {
	start := time.Now()
	res := Prepared{}

	inputType := req.InputType
	if inputType == "" {
		inputType = types.InputText
	}
	text := strings.TrimSpace(req.TextContent)

	// Transcription
	if text == "" && inputType == types.InputVoice && req.AudioURL != "" {
		if p.transcriber == nil {
			return res, fmt.Errorf("%w: voice submission without transcript", types.ErrInputRejected)
		}
		tr, err := p.transcriber.GetTranscript(ctx, req.AudioURL)
		if err != nil {
			return res, fmt.Errorf("%w: transcription: %w", types.ErrIntegrationTransient, err)
		}
		text = strings.TrimSpace(tr)
		res.Transcribed = true
	}
	if text == "" {
		return res, fmt.Errorf("%w: empty complaint text", types.ErrInputRejected)
	}

	meta := req.Metadata
	if meta.Timestamp.IsZero() {
		meta.Timestamp = p.now().UTC()
	}
	in := types.ProcessedInput{
		ID:          strings.TrimSpace(req.ID),
		TextContent: text,
		InputType:   inputType,
		Metadata:    meta,
		Entities:    req.Entities,
		Keywords:    req.Keywords,
	}

	// Extraction only when the front end sent nothing
	if len(in.Entities) == 0 && len(in.Keywords) == 0 && p.extractor != nil {
		ex, err := p.extractor.Extract(ctx, text)
		if err != nil {
			p.log.WithError(err).Warn("entity extraction failed; continuing with text only")
		} else {
			in.Entities = ex.Entities
			in.Keywords = ex.Keywords
			res.Extracted = true
		}
	}

	res.Input = in
	res.DurationMs = time.Since(start).Milliseconds()
	p.log.WithField("input_type", inputType).
		WithField("transcribed", res.Transcribed).
		WithField("extracted", res.Extracted).
		WithField("entities", len(in.Entities)).
		WithField("keywords", len(in.Keywords)).
		WithField("duration_ms", res.DurationMs).
		Debug("intake prepared")
	return res, nil
}
