package transcription_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/transcription"
)

func TestGetTranscript_PublishPollDownload(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "https://audio.example/rec.wav", r.FormValue("callRecordingLink"))
		fmt.Fprint(w, `{"Code":200,"Status":"ok","Data":{"MediaId":"m-1","Status":"Queued"}}`)
	})
	mux.HandleFunc("/getstatus", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "m-1", r.URL.Query().Get("mediaId"))
		if polls.Add(1) < 2 {
			fmt.Fprint(w, `{"Code":200,"Data":{"Status":"Processing"}}`)
			return
		}
		fmt.Fprintf(w, `{"Code":200,"Data":{"Status":"Success","TranscriptionTextURL":"%s/text/m-1"}}`, base)
	})
	mux.HandleFunc("/text/m-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "  Streetlight out on Oak Lane  \n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	c := transcription.NewClient(transcription.Config{URL: srv.URL, PollInterval: time.Millisecond}, logger.Discard())
	text, err := c.GetTranscript(context.Background(), "https://audio.example/rec.wav")
	require.NoError(t, err)
	assert.Equal(t, "Streetlight out on Oak Lane", text)
	assert.Equal(t, int32(2), polls.Load())
}

func TestGetTranscript_AlreadyTranscribed(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"Code":200,"Data":{"Status":"Success","TranscriptionURL":"%s/done"}}`, base)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "garbage not collected")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	c := transcription.NewClient(transcription.Config{URL: srv.URL}, logger.Discard())
	text, err := c.GetTranscript(context.Background(), "https://audio.example/x.wav")
	require.NoError(t, err)
	assert.Equal(t, "garbage not collected", text)
}

func TestGetTranscript_JobFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Code":200,"Data":{"MediaId":"m-2"}}`)
	})
	mux.HandleFunc("/getstatus", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Code":200,"Reason":"unsupported codec","Data":{"Status":"Failed"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := transcription.NewClient(transcription.Config{URL: srv.URL, PollInterval: time.Millisecond}, logger.Discard())
	_, err := c.GetTranscript(context.Background(), "https://audio.example/x.wav")
	assert.ErrorContains(t, err, "unsupported codec")
}

func TestGetTranscript_MockAndUnconfigured(t *testing.T) {
	text, err := transcription.NewClient(transcription.Config{UseMock: true}, logger.Discard()).
		GetTranscript(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, transcription.MockTranscript, text)

	_, err = transcription.NewClient(transcription.Config{}, logger.Discard()).GetTranscript(context.Background(), "x")
	assert.ErrorIs(t, err, transcription.ErrNotConfigured)
}
