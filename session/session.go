// Package session tracks what each browser is doing: loading a list of
// videos, choosing one, waiting for its analysis or viewing the report.
// Long steps run in the background and can be cancelled.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/nijaru/yt-audit/models"
	"github.com/nijaru/yt-audit/report"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type State string

const (
	StateIdle          State = "idle"
	StateLoading       State = "loading"
	StateSelecting     State = "selecting-video"
	StateAnalyzing     State = "analyzing"
	StateShowingReport State = "showing-report"
	StateFailed        State = "failed"
)

// Busy reports whether a background operation is running.
func (s State) Busy() bool {
	return s == StateLoading || s == StateAnalyzing
}

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNoSuchVideo       = errors.New("no video at that index")
	ErrNoLinks           = errors.New("no video links to load")
)

// Pipeline is the work a session drives.
type Pipeline interface {
	Fetch(ctx context.Context, url string) (models.VideoRef, error)
	Analyze(ctx context.Context, video models.VideoRef) (*report.Report, error)
}

type Session struct {
	ID string

	pipeline Pipeline
	log      *logrus.Entry

	mu       sync.Mutex
	state    State
	videos   []models.VideoRef
	selected int
	report   *report.Report
	errMsg   string
	loaded   int
	total    int
	updated  time.Time

	// op identifies the running background operation. Results from an
	// operation whose id no longer matches are discarded.
	op     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(id string, p Pipeline) *Session {
	return &Session{
		ID:       id,
		pipeline: p,
		log:      logrus.WithField("session", id),
		state:    StateIdle,
		selected: -1,
		updated:  time.Now(),
	}
}

// VideoView is the public form of a loaded video.
type VideoView struct {
	Index        int    `json:"index"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail_url"`
}

type Snapshot struct {
	ID       string         `json:"id"`
	State    State          `json:"state"`
	Videos   []VideoView    `json:"videos"`
	Selected int            `json:"selected"`
	Report   *report.Report `json:"report,omitempty"`
	Error    string         `json:"error,omitempty"`
	Loaded   int            `json:"loaded"`
	Total    int            `json:"total"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	videos := make([]VideoView, len(s.videos))
	for i, v := range s.videos {
		videos[i] = VideoView{Index: i, URL: v.URL, Title: v.Title, ThumbnailURL: v.ThumbnailURL}
	}

	return Snapshot{
		ID:       s.ID,
		State:    s.state,
		Videos:   videos,
		Selected: s.selected,
		Report:   s.report,
		Error:    s.errMsg,
		Loaded:   s.loaded,
		Total:    s.total,
	}
}

// Video returns the loaded video at index i.
func (s *Session) Video(i int) (models.VideoRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.videos) {
		return models.VideoRef{}, ErrNoSuchVideo
	}
	return s.videos[i], nil
}

// LoadLinks starts fetching urls one at a time. The loaded list replaces the
// current one when every fetch has succeeded.
func (s *Session) LoadLinks(urls []string) error {
	if len(urls) == 0 {
		return ErrNoLinks
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Busy() {
		return errors.Wrapf(ErrInvalidTransition, "cannot load links while %s", s.state)
	}

	ctx, id, done := s.begin(StateLoading)
	s.loaded = 0
	s.total = len(urls)
	list := append([]string(nil), urls...)

	s.log.WithField("count", len(list)).Info("Loading video links")
	go func() {
		defer close(done)
		s.runLoad(ctx, id, list)
	}()
	return nil
}

func (s *Session) runLoad(ctx context.Context, id uint64, urls []string) {
	videos := make([]models.VideoRef, 0, len(urls))
	for _, url := range urls {
		ref, err := s.pipeline.Fetch(ctx, url)
		if err != nil {
			s.fail(id, err)
			return
		}
		videos = append(videos, ref)

		s.mu.Lock()
		if s.op == id {
			s.loaded = len(videos)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.op != id {
		return
	}
	s.videos = videos
	s.selected = -1
	s.report = nil
	s.set(StateSelecting)
	s.log.WithField("count", len(videos)).Info("Video links loaded")
}

// Select starts the analysis of the video at index i.
func (s *Session) Select(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateSelecting, StateShowingReport:
	case StateFailed:
		if len(s.videos) == 0 {
			return errors.Wrap(ErrInvalidTransition, "no videos loaded")
		}
	default:
		return errors.Wrapf(ErrInvalidTransition, "cannot select a video while %s", s.state)
	}
	if i < 0 || i >= len(s.videos) {
		return ErrNoSuchVideo
	}

	ctx, id, done := s.begin(StateAnalyzing)
	s.selected = i
	s.report = nil
	video := s.videos[i]

	s.log.WithFields(logrus.Fields{
		"index": i,
		"url":   video.URL,
	}).Info("Analyzing video")
	go func() {
		defer close(done)
		s.runAnalyze(ctx, id, video)
	}()
	return nil
}

func (s *Session) runAnalyze(ctx context.Context, id uint64, video models.VideoRef) {
	r, err := s.pipeline.Analyze(ctx, video)
	if err != nil {
		s.fail(id, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.op != id {
		return
	}
	s.report = r
	s.set(StateShowingReport)
}

// Cancel stops the running operation and returns to the state before it.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Busy() {
		return errors.Wrapf(ErrInvalidTransition, "nothing to cancel while %s", s.state)
	}

	s.cancel()
	s.op++
	s.loaded, s.total = 0, 0

	next := StateIdle
	if len(s.videos) > 0 {
		next = StateSelecting
		s.selected = -1
		s.report = nil
	}
	s.log.WithFields(logrus.Fields{
		"from": s.state,
		"to":   next,
	}).Info("Operation cancelled")
	s.set(next)
	return nil
}

// Wait blocks until the current background operation, if any, has returned.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close cancels any running operation.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.op++
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Busy() {
		return time.Now()
	}
	return s.updated
}

// begin must be called with mu held. The returned channel is closed by the
// operation's goroutine when it returns.
func (s *Session) begin(state State) (context.Context, uint64, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	s.op++
	s.cancel = cancel
	s.done = make(chan struct{})
	s.errMsg = ""
	s.set(state)
	return ctx, s.op, s.done
}

func (s *Session) fail(id uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.op != id {
		return
	}
	s.log.WithError(err).WithField("state", s.state).Error("Session operation failed")
	if s.state == StateLoading {
		s.videos = nil
		s.selected = -1
	}
	s.report = nil
	s.errMsg = err.Error()
	s.set(StateFailed)
}

func (s *Session) set(state State) {
	s.state = state
	s.updated = time.Now()
}
