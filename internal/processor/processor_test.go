package processor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civic-reports-go/internal/extractor"
	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/processor"
	"civic-reports-go/internal/transcription"
	"civic-reports-go/internal/types"
)

type brokenTranscriber struct{}

func (brokenTranscriber) GetTranscript(context.Context, string) (string, error) {
	return "", errors.New("stt unavailable")
}

func newProcessor(t processor.Transcriber) *processor.Processor {
	return processor.New(t, extractor.NewLexiconExtractor(), logger.Discard())
}

func TestPrepare_TextExtractsWhenMissing(t *testing.T) {
	p := newProcessor(nil)
	out, err := p.Prepare(context.Background(), processor.Request{
		ID:          "c-1",
		TextContent: "  Garbage overflowing near the market since Monday ",
		Metadata:    types.Metadata{CitizenID: "citizen-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "c-1", out.Input.ID)
	assert.Equal(t, types.InputText, out.Input.InputType)
	assert.Equal(t, "Garbage overflowing near the market since Monday", out.Input.TextContent)
	assert.False(t, out.Input.Metadata.Timestamp.IsZero())
	assert.True(t, out.Extracted)
	assert.False(t, out.Transcribed)
	assert.Contains(t, out.Input.Keywords, "garbage")
}

func TestPrepare_KeepsUpstreamEntities(t *testing.T) {
	p := newProcessor(nil)
	ents := []types.Entity{{Tag: types.EntityLocation, Value: "oak lane"}}
	out, err := p.Prepare(context.Background(), processor.Request{
		TextContent: "streetlight broken on oak lane",
		Entities:    ents,
		Metadata:    types.Metadata{Timestamp: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	assert.False(t, out.Extracted)
	assert.Equal(t, ents, out.Input.Entities)
	assert.Empty(t, out.Input.Keywords)
}

func TestPrepare_VoiceIsTranscribed(t *testing.T) {
	stt := transcription.NewClient(transcription.Config{UseMock: true}, logger.Discard())
	out, err := newProcessor(stt).Prepare(context.Background(), processor.Request{
		InputType: types.InputVoice,
		AudioURL:  "https://audio.example/1.wav",
	})
	require.NoError(t, err)
	assert.True(t, out.Transcribed)
	assert.Equal(t, transcription.MockTranscript, out.Input.TextContent)
	assert.Equal(t, types.InputVoice, out.Input.InputType)
	assert.Contains(t, out.Input.Keywords, "pothole")
}

func TestPrepare_Errors(t *testing.T) {
	tests := []struct {
		name string
		tr   processor.Transcriber
		req  processor.Request
		want error
	}{
		{"empty text", nil, processor.Request{TextContent: "   "}, types.ErrInputRejected},
		{"voice without stt", nil, processor.Request{InputType: types.InputVoice, AudioURL: "a.wav"}, types.ErrInputRejected},
		{"stt failure", brokenTranscriber{}, processor.Request{InputType: types.InputVoice, AudioURL: "a.wav"}, types.ErrIntegrationTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newProcessor(tt.tr).Prepare(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
