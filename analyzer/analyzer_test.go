package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nijaru/yt-audit/assemblyai"
	apperrors "github.com/nijaru/yt-audit/errors"
	"github.com/nijaru/yt-audit/models"
	"github.com/nijaru/yt-audit/report"
	"github.com/nijaru/yt-audit/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "https://www.youtube.com/watch?v=abc"

type counters struct {
	fetch, upload, submit, poll, save, archive int
}

type fakeArchiver struct {
	calls *int
	err   error
}

func (f fakeArchiver) Archive(ctx context.Context, r *report.Report, raw json.RawMessage) error {
	*f.calls++
	return f.err
}

func newTestService(c *counters) *Service {
	s := newService()
	s.FetchFunc = func(ctx context.Context, url string) (models.VideoRef, error) {
		c.fetch++
		return models.VideoRef{URL: url, Title: "Test", AudioPath: "/tmp/test.mp3"}, nil
	}
	s.UploadFunc = func(ctx context.Context, path string) (string, error) {
		c.upload++
		return "https://cdn.example.com/upload/1", nil
	}
	s.SubmitFunc = func(ctx context.Context, uploadURL string) (string, error) {
		c.submit++
		return "https://api.example.com/v2/transcript/1", nil
	}
	s.PollFunc = func(ctx context.Context, pollingURL string) (*assemblyai.Transcript, error) {
		c.poll++
		return &assemblyai.Transcript{
			ID:      "1",
			Status:  assemblyai.StatusCompleted,
			Summary: "- point",
			ContentSafetyLabels: &assemblyai.LabelSummary{
				Summary: map[string]float64{"violence": 0.9},
			},
			Raw: json.RawMessage(`{"id":"1"}`),
		}, nil
	}
	s.SaveFunc = func(ctx context.Context, r *models.SavedReport) error {
		c.save++
		return nil
	}
	s.Archiver = fakeArchiver{calls: &c.archive}
	return s
}

func TestFetchMemoized(t *testing.T) {
	c := &counters{}
	s := newTestService(c)

	first, err := s.Fetch(context.Background(), testURL)
	require.NoError(t, err)
	second, err := s.Fetch(context.Background(), testURL)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.fetch)
}

func TestFetchErrors(t *testing.T) {
	s := newTestService(&counters{})

	s.FetchFunc = func(ctx context.Context, url string) (models.VideoRef, error) {
		return models.VideoRef{}, &validation.ValidationError{URL: url, Message: "bad url"}
	}
	_, err := s.Fetch(context.Background(), "https://youtu.be/abc")
	assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(err))
	assert.Equal(t, "bad url", apperrors.Message(err))

	s.FetchFunc = func(ctx context.Context, url string) (models.VideoRef, error) {
		return models.VideoRef{}, errors.New("network down")
	}
	_, err = s.Fetch(context.Background(), testURL)
	assert.Equal(t, http.StatusBadGateway, apperrors.StatusCode(err))
}

func TestAnalyze(t *testing.T) {
	c := &counters{}
	s := newTestService(c)
	video, err := s.Fetch(context.Background(), testURL)
	require.NoError(t, err)

	r, err := s.Analyze(context.Background(), video)
	require.NoError(t, err)

	assert.Equal(t, "- point", r.Summary)
	assert.False(t, r.Sensitive.AllClear)
	assert.Equal(t, "violence", r.Sensitive.Rows[0].Topic)
	assert.Equal(t, counters{fetch: 1, upload: 1, submit: 1, poll: 1, save: 1, archive: 1}, *c)

	_, err = s.Analyze(context.Background(), video)
	require.NoError(t, err)
	assert.Equal(t, 1, c.upload)
	assert.Equal(t, 1, c.submit)
	assert.Equal(t, 1, c.poll)
	assert.Equal(t, 2, c.save)
}

func TestAnalyzeJobFailureNotCached(t *testing.T) {
	c := &counters{}
	s := newTestService(c)
	fail := true
	s.PollFunc = func(ctx context.Context, pollingURL string) (*assemblyai.Transcript, error) {
		c.poll++
		if fail {
			return nil, &assemblyai.JobError{ID: "1", Status: assemblyai.StatusError, Message: "bad audio"}
		}
		return &assemblyai.Transcript{Status: assemblyai.StatusCompleted}, nil
	}

	video := models.VideoRef{URL: testURL, AudioPath: "/tmp/test.mp3"}
	_, err := s.Analyze(context.Background(), video)

	var jobErr *assemblyai.JobError
	assert.ErrorAs(t, err, &jobErr)
	assert.Equal(t, http.StatusBadGateway, apperrors.StatusCode(err))
	assert.Equal(t, 0, c.save)

	fail = false
	_, err = s.Analyze(context.Background(), video)
	require.NoError(t, err)
	assert.Equal(t, 2, c.poll)
	assert.Equal(t, 1, c.submit)
}

func TestAnalyzePersistFailuresIgnored(t *testing.T) {
	c := &counters{}
	s := newTestService(c)
	s.SaveFunc = func(ctx context.Context, r *models.SavedReport) error {
		return errors.New("disk full")
	}
	s.Archiver = fakeArchiver{calls: &c.archive, err: errors.New("bucket missing")}

	_, err := s.Analyze(context.Background(), models.VideoRef{URL: testURL, AudioPath: "/tmp/test.mp3"})
	assert.NoError(t, err)
	assert.Equal(t, 1, c.archive)
}

func TestForget(t *testing.T) {
	c := &counters{}
	s := newTestService(c)
	ctx := context.Background()

	video, _ := s.Fetch(ctx, testURL)
	_, err := s.Analyze(ctx, video)
	require.NoError(t, err)

	s.Forget(testURL)
	for _, st := range s.CacheStats() {
		assert.Zero(t, st.Entries, st.Name)
	}

	video, _ = s.Fetch(ctx, testURL)
	_, err = s.Analyze(ctx, video)
	require.NoError(t, err)
	assert.Equal(t, 2, c.fetch)
	assert.Equal(t, 2, c.poll)
}

func TestPurge(t *testing.T) {
	c := &counters{}
	s := newTestService(c)
	ctx := context.Background()

	video, _ := s.Fetch(ctx, testURL)
	_, err := s.Analyze(ctx, video)
	require.NoError(t, err)

	s.Purge()
	for _, st := range s.CacheStats() {
		assert.Zero(t, st.Entries, st.Name)
	}
}

func TestAnalyzeSharedJobSurvivesOtherCallerCancel(t *testing.T) {
	s := newTestService(&counters{})
	started := make(chan struct{})
	release := make(chan struct{})
	var polls atomic.Int32
	s.PollFunc = func(ctx context.Context, pollingURL string) (*assemblyai.Transcript, error) {
		if polls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return &assemblyai.Transcript{Status: assemblyai.StatusCompleted, Summary: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	video := models.VideoRef{URL: testURL, AudioPath: "/tmp/test.mp3"}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := s.Analyze(ctxA, video)
		errA <- err
	}()
	<-started

	type result struct {
		r   *report.Report
		err error
	}
	resB := make(chan result, 1)
	go func() {
		r, err := s.Analyze(context.Background(), video)
		resB <- result{r, err}
	}()

	pollMisses := func() int64 {
		for _, st := range s.CacheStats() {
			if st.Name == "poll" {
				return st.Misses
			}
		}
		return 0
	}
	require.Eventually(t, func() bool { return pollMisses() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	got := <-resB
	require.NoError(t, got.err)
	assert.Equal(t, "done", got.r.Summary)
	assert.EqualValues(t, 1, polls.Load())
}
