package model

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/videoagent/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"})
}

func TestAnalyzeFrameParsesTypedResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/vision/analyze", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req visionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Image)

		resp := visionResponse{Response: `{"description":"a red car","features":["vehicle"],"confidence":0.93}`}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))

	fa, err := c.AnalyzeFrame(context.Background(), []byte{0xFF, 0xD8}, "describe")
	require.NoError(t, err)
	assert.Equal(t, "a red car", fa.Description)
	assert.Equal(t, []string{"vehicle"}, fa.Features)
	assert.InDelta(t, 0.93, fa.Confidence, 1e-9)
}

func TestAnalyzeFrameRejectsEmptyImage(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused"})
	_, err := c.AnalyzeFrame(context.Background(), nil, "")
	assert.Equal(t, domain.FailureValidation, domain.Classify(err))
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   domain.FailureKind
	}{
		{http.StatusUnauthorized, domain.FailureAuthorization},
		{http.StatusForbidden, domain.FailureAuthorization},
		{http.StatusTooManyRequests, domain.FailureQuota},
		{http.StatusRequestTimeout, domain.FailureExternalTransient},
		{http.StatusInternalServerError, domain.FailureExternalTransient},
		{http.StatusBadGateway, domain.FailureExternalTransient},
		{http.StatusBadRequest, domain.FailureExternalPermanent},
		{http.StatusNotFound, domain.FailureExternalPermanent},
	}
	for _, tc := range cases {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := c.Classify(context.Background(), "text")
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.want, domain.Classify(err), "status %d", tc.status)
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Summarize(context.Background(), []string{"a"})
	assert.Equal(t, domain.FailureExternalTransient, domain.Classify(err))
	assert.True(t, domain.IsRetryable(err))
}

func TestEmbedTextsValidatesDimension(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := embeddingResponse{Vectors: [][]float32{{0.1, 0.2}}} // wrong size
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))

	_, err := c.EmbedTexts(context.Background(), []string{"hello"}, EmbedDocument)
	require.Error(t, err)
	assert.Equal(t, domain.FailureExternalPermanent, domain.Classify(err))
	assert.False(t, domain.IsRetryable(err))
}

func TestEmbedTextsCountMismatch(t *testing.T) {
	good := DeterministicVector("x")
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := embeddingResponse{Vectors: [][]float32{good}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))

	_, err := c.EmbedTexts(context.Background(), []string{"a", "b"}, EmbedQuery)
	require.Error(t, err)
	assert.Equal(t, domain.FailureExternalPermanent, domain.Classify(err))
}

func TestEmbedTextsHappyPath(t *testing.T) {
	v1 := DeterministicVector("first")
	v2 := DeterministicVector("second")
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"first", "second"}, req.Input)
		assert.Equal(t, "document", req.Kind)
		require.NoError(t, json.NewEncoder(w).Encode(embeddingResponse{Vectors: [][]float32{v1, v2}}))
	}))

	vecs, err := c.EmbedTexts(context.Background(), []string{"first", "second"}, EmbedDocument)
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, v1, vecs[0])
	assert.Equal(t, v2, vecs[1])
}

func TestTranscribeRoundtrip(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/transcribe", r.URL.Path)
		var req TranscribeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Diarize)

		require.NoError(t, json.NewEncoder(w).Encode(domain.AudioAnalysis{
			Transcript: "two speakers talking",
			Language:   "en",
			Segments: []domain.SpeakerSegment{
				{Speaker: "S1", Start: 0, End: 2.5, Text: "hello", Confidence: 0.9},
			},
		}))
	}))

	got, err := c.Transcribe(context.Background(), TranscribeRequest{AudioPath: "/tmp/a.wav", Diarize: true})
	require.NoError(t, err)
	assert.Equal(t, "two speakers talking", got.Transcript)
	require.Len(t, got.Segments, 1)
	assert.Equal(t, "S1", got.Segments[0].Speaker)
}

func TestCancelledContextIsCancelledKind(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can watch the connection and cancel
		// the request context when the client goes away; otherwise Close
		// deadlocks waiting on this handler.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Classify(ctx, "text")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, domain.FailureCancelled, domain.Classify(err))
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return after cancel")
	}
}

func TestPacingAppliesWhenConfigured(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		require.NoError(t, json.NewEncoder(w).Encode(synthesisResponse{Summary: "s"}))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL, RequestsPerSecond: 100, Burst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Summarize(context.Background(), []string{"p"})
		require.NoError(t, err)
	}
	// Burst 1 at 100 rps forces ~10ms between the 2nd and 3rd call.
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, 3, calls)
}

func TestHealthCheck(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	require.NoError(t, c.HealthCheck(context.Background()))
}

func TestFakeIsDeterministic(t *testing.T) {
	f := &Fake{}
	a, err := f.EmbedText(context.Background(), "same seed", EmbedDocument)
	require.NoError(t, err)
	b, err := f.EmbedText(context.Background(), "same seed", EmbedDocument)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	require.NoError(t, domain.ValidateVector(a))

	other, err := f.EmbedText(context.Background(), "different seed", EmbedDocument)
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

// guard against accidental fallthrough in classifyStatus
func TestClassifyStatusDefaultIsPermanent(t *testing.T) {
	err := classifyStatus(http.StatusTeapot, "/v1/classify", "")
	var f *domain.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, domain.FailureExternalPermanent, f.Kind)
}
