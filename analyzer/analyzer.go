// Package analyzer runs the audit pipeline for one video: fetch the audio,
// upload it, submit an analysis job, wait for it and build the report. Every
// step is memoized so repeated requests reuse earlier results.
package analyzer

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/nijaru/yt-audit/assemblyai"
	"github.com/nijaru/yt-audit/cache"
	apperrors "github.com/nijaru/yt-audit/errors"
	"github.com/nijaru/yt-audit/fetcher"
	"github.com/nijaru/yt-audit/models"
	"github.com/nijaru/yt-audit/report"
	"github.com/nijaru/yt-audit/validation"
	"github.com/sirupsen/logrus"
)

// Archiver stores a copy of finished reports outside the local database.
type Archiver interface {
	Archive(ctx context.Context, r *report.Report, transcript json.RawMessage) error
}

type Service struct {
	FetchFunc  func(ctx context.Context, url string) (models.VideoRef, error)
	UploadFunc func(ctx context.Context, path string) (string, error)
	SubmitFunc func(ctx context.Context, uploadURL string) (string, error)
	PollFunc   func(ctx context.Context, pollingURL string) (*assemblyai.Transcript, error)
	SaveFunc   func(ctx context.Context, r *models.SavedReport) error

	Archiver Archiver

	fetches *cache.Memo[models.VideoRef]
	uploads *cache.Memo[string]
	submits *cache.Memo[string]
	polls   *cache.Memo[*assemblyai.Transcript]
}

func New(f *fetcher.Fetcher, client *assemblyai.Client, poller *assemblyai.Poller) *Service {
	s := newService()
	s.FetchFunc = f.Fetch
	s.UploadFunc = client.Upload
	s.SubmitFunc = client.Submit
	s.PollFunc = poller.Wait
	return s
}

func newService() *Service {
	return &Service{
		fetches: cache.New[models.VideoRef]("fetch"),
		uploads: cache.New[string]("upload"),
		submits: cache.New[string]("submit"),
		polls:   cache.New[*assemblyai.Transcript]("poll"),
	}
}

// Fetch returns the downloaded audio for url, downloading it only once.
func (s *Service) Fetch(ctx context.Context, url string) (models.VideoRef, error) {
	const op = "analyzer.Fetch"

	ref, hit, err := s.fetches.Do(ctx, cache.Key(url), func(ctx context.Context) (models.VideoRef, error) {
		return s.FetchFunc(ctx, url)
	})
	if err != nil {
		var vErr *validation.ValidationError
		if stderrors.As(err, &vErr) {
			return models.VideoRef{}, apperrors.InvalidInput(op, err, vErr.Message)
		}
		return models.VideoRef{}, apperrors.Upstream(op, err, "Failed to download audio")
	}

	logrus.WithFields(logrus.Fields{
		"url":    url,
		"cached": hit,
	}).Debug("Video resolved")
	return ref, nil
}

// Analyze uploads the video's audio, waits for the analysis job and returns
// the rendered report. The report is saved to history and archived when
// those are configured; failures there are logged and do not fail Analyze.
func (s *Service) Analyze(ctx context.Context, video models.VideoRef) (*report.Report, error) {
	const op = "analyzer.Analyze"
	log := logrus.WithField("url", video.URL)

	uploadURL, _, err := s.uploads.Do(ctx, cache.Key(video.AudioPath), func(ctx context.Context) (string, error) {
		return s.UploadFunc(ctx, video.AudioPath)
	})
	if err != nil {
		return nil, apperrors.Upstream(op, err, "Failed to upload audio")
	}

	pollingURL, _, err := s.submits.Do(ctx, cache.Key(uploadURL), func(ctx context.Context) (string, error) {
		return s.SubmitFunc(ctx, uploadURL)
	})
	if err != nil {
		return nil, apperrors.Upstream(op, err, "Failed to submit analysis job")
	}

	transcript, hit, err := s.polls.Do(ctx, cache.Key(pollingURL), func(ctx context.Context) (*assemblyai.Transcript, error) {
		return s.PollFunc(ctx, pollingURL)
	})
	if err != nil {
		var jobErr *assemblyai.JobError
		if stderrors.As(err, &jobErr) {
			return nil, apperrors.Upstream(op, err, "Analysis job failed")
		}
		if stderrors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperrors.Upstream(op, err, "Failed to get analysis result")
	}

	r := report.Build(video, transcript)
	log.WithFields(logrus.Fields{
		"cached":    hit,
		"topics":    len(r.Topics.Rows),
		"sensitive": len(r.Sensitive.Rows),
	}).Info("Report ready")

	s.persist(ctx, r, uploadURL, pollingURL, transcript.Raw)
	return r, nil
}

func (s *Service) persist(ctx context.Context, r *report.Report, uploadURL, pollingURL string, raw json.RawMessage) {
	log := logrus.WithField("url", r.Video.URL)

	if s.SaveFunc != nil {
		err := s.SaveFunc(ctx, &models.SavedReport{
			VideoURL:     r.Video.URL,
			Title:        r.Video.Title,
			AudioPath:    r.Video.AudioPath,
			ThumbnailURL: r.Video.ThumbnailURL,
			UploadURL:    uploadURL,
			PollingURL:   pollingURL,
			Summary:      r.Summary,
			Payload:      raw,
		})
		if err != nil {
			log.WithError(err).Warn("Failed to save report history")
		}
	}

	if s.Archiver != nil {
		if err := s.Archiver.Archive(ctx, r, raw); err != nil {
			log.WithError(err).Warn("Failed to archive report")
		}
	}
}

// Forget drops every cached step for url so the next request starts over.
func (s *Service) Forget(url string) {
	fetchKey := cache.Key(url)
	if ref, ok := s.fetches.Get(fetchKey); ok {
		uploadKey := cache.Key(ref.AudioPath)
		if uploadURL, ok := s.uploads.Get(uploadKey); ok {
			submitKey := cache.Key(uploadURL)
			if pollingURL, ok := s.submits.Get(submitKey); ok {
				s.polls.Forget(cache.Key(pollingURL))
			}
			s.submits.Forget(submitKey)
		}
		s.uploads.Forget(uploadKey)
	}
	s.fetches.Forget(fetchKey)

	logrus.WithField("url", url).Info("Cached results forgotten")
}

func (s *Service) Purge() {
	s.fetches.Purge()
	s.uploads.Purge()
	s.submits.Purge()
	s.polls.Purge()
	logrus.Info("All caches purged")
}

func (s *Service) CacheStats() []cache.Stats {
	return []cache.Stats{
		s.fetches.Stats(),
		s.uploads.Stats(),
		s.submits.Stats(),
		s.polls.Stats(),
	}
}
