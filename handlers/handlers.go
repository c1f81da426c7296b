package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/nijaru/yt-audit/assemblyai"
	"github.com/nijaru/yt-audit/cache"
	"github.com/nijaru/yt-audit/config"
	"github.com/nijaru/yt-audit/db"
	"github.com/nijaru/yt-audit/errors"
	"github.com/nijaru/yt-audit/links"
	"github.com/nijaru/yt-audit/middleware"
	"github.com/nijaru/yt-audit/models"
	"github.com/nijaru/yt-audit/report"
	"github.com/nijaru/yt-audit/session"
	"github.com/nijaru/yt-audit/static"
	"github.com/nijaru/yt-audit/utils"
	"github.com/sirupsen/logrus"
)

// Cache is the cache control the API exposes.
type Cache interface {
	Forget(url string)
	Purge()
	CacheStats() []cache.Stats
}

type Handler struct {
	cfg      *config.Config
	sessions *session.Store
	cache    Cache

	GetReportFunc    func(ctx context.Context, videoURL string) (*models.SavedReport, error)
	ListReportsFunc  func(ctx context.Context, limit int) ([]*models.SavedReport, error)
	DeleteReportFunc func(ctx context.Context, videoURL string) error
}

func New(cfg *config.Config, sessions *session.Store, c Cache) *Handler {
	return &Handler{
		cfg:              cfg,
		sessions:         sessions,
		cache:            c,
		GetReportFunc:    db.GetReport,
		ListReportsFunc:  db.ListReports,
		DeleteReportFunc: db.DeleteReport,
	}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.Index)
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("GET /api/session", h.GetSession)
	mux.HandleFunc("POST /api/links", h.LoadLinks)
	mux.HandleFunc("POST /api/select", h.Select)
	mux.HandleFunc("POST /api/cancel", h.Cancel)
	mux.HandleFunc("GET /api/audio/{index}", h.Audio)

	mux.HandleFunc("GET /api/reports", h.ListReports)
	mux.HandleFunc("GET /api/reports/{id}", h.GetReport)
	mux.HandleFunc("DELETE /api/reports/{id}", h.DeleteReport)

	mux.HandleFunc("POST /api/cache/purge", h.PurgeCache)
	return mux
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(static.Index)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": h.sessions.Len(),
		"caches":   h.cache.CacheStats(),
	})
}

// session returns the caller's session, issuing a cookie for a new one.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) *session.Session {
	var id string
	if c, err := r.Cookie(session.CookieName); err == nil {
		id = c.Value
	}

	s, created := h.sessions.GetOrCreate(id)
	if created {
		http.SetCookie(w, &http.Cookie{
			Name:     session.CookieName,
			Value:    s.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return s
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.session(w, r).Snapshot())
}

// LoadLinks accepts either use_default=true, which loads the bundled sample
// file, or a multipart upload in the file field.
func (h *Handler) LoadLinks(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.LoadLinks"
	s := h.session(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, links.MaxFileSize+64<<10)
	if err := r.ParseMultipartForm(links.MaxFileSize); err != nil && !stderrors.Is(err, http.ErrNotMultipart) {
		utils.RespondWithError(w, errors.InvalidInput(op, err, "Invalid upload"))
		return
	}

	var (
		urls []string
		err  error
	)
	if useDefault, _ := strconv.ParseBool(r.FormValue("use_default")); useDefault {
		urls, err = links.ParseFile(h.cfg.SampleLinksPath)
	} else {
		urls, err = parseUpload(r)
	}
	if err != nil {
		utils.RespondWithError(w, errors.InvalidInput(op, err, err.Error()))
		return
	}

	if err := s.LoadLinks(urls); err != nil {
		utils.RespondWithError(w, sessionError(op, err))
		return
	}

	middleware.GetLogger(r.Context()).WithFields(logrus.Fields{
		"session": s.ID,
		"count":   len(urls),
	}).Info("Links accepted")
	utils.RespondJSON(w, http.StatusAccepted, s.Snapshot())
}

func parseUpload(r *http.Request) ([]string, error) {
	file, _, err := r.FormFile("file")
	if err != nil {
		if stderrors.Is(err, http.ErrMissingFile) || stderrors.Is(err, http.ErrNotMultipart) {
			return nil, stderrors.New("choose a links file or use the example file")
		}
		return nil, err
	}
	defer file.Close()
	return links.Parse(file)
}

func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.Select"
	s := h.session(w, r)

	index, err := utils.ParseIndex(r.FormValue("index"))
	if err != nil {
		utils.RespondWithError(w, err)
		return
	}

	if err := s.Select(index); err != nil {
		utils.RespondWithError(w, sessionError(op, err))
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, s.Snapshot())
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	if err := s.Cancel(); err != nil {
		utils.RespondWithError(w, sessionError("handlers.Cancel", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handler) Audio(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.Audio"
	s := h.session(w, r)

	index, err := utils.ParseIndex(r.PathValue("index"))
	if err != nil {
		utils.RespondWithError(w, err)
		return
	}

	video, err := s.Video(index)
	if err != nil {
		utils.RespondWithError(w, errors.NotFound(op, err, "Video not found"))
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeFile(w, r, video.AudioPath)
}

// ReportResponse is a history entry with its tables rebuilt from the stored
// transcript.
type ReportResponse struct {
	*models.SavedReport
	Report *report.Report `json:"report,omitempty"`
}

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := utils.ParseIndex(v)
		if err != nil {
			utils.RespondWithError(w, err)
			return
		}
		limit = n
	}

	reports, err := h.ListReportsFunc(r.Context(), limit)
	if err != nil {
		utils.RespondWithError(w, errors.Internal("handlers.ListReports", err, "Failed to list reports"))
		return
	}
	utils.RespondJSON(w, http.StatusOK, reports)
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.GetReport"
	videoURL := r.PathValue("id")

	saved, err := h.GetReportFunc(r.Context(), videoURL)
	if errors.IsNotFound(err) {
		utils.RespondWithError(w, err)
		return
	}
	if err != nil {
		utils.RespondWithError(w, errors.Internal(op, err, "Failed to get report"))
		return
	}

	resp := ReportResponse{SavedReport: saved}
	if len(saved.Payload) > 0 {
		t, err := assemblyai.ParseTranscript(saved.Payload)
		if err != nil {
			middleware.GetLogger(r.Context()).WithError(err).Warn("Stored transcript is not valid JSON")
		} else {
			resp.Report = report.Build(saved.Video(), t)
		}
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// DeleteReport removes a report from history and forgets every cached step
// for the video, so the next analysis runs from scratch.
func (h *Handler) DeleteReport(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.DeleteReport"
	videoURL := r.PathValue("id")

	err := h.DeleteReportFunc(r.Context(), videoURL)
	if errors.IsNotFound(err) {
		utils.RespondWithError(w, err)
		return
	}
	if err != nil {
		utils.RespondWithError(w, errors.Internal(op, err, "Failed to delete report"))
		return
	}

	h.cache.Forget(videoURL)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PurgeCache(w http.ResponseWriter, r *http.Request) {
	h.cache.Purge()
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "purged",
		"caches": h.cache.CacheStats(),
	})
}

func sessionError(op string, err error) error {
	switch {
	case stderrors.Is(err, session.ErrInvalidTransition):
		return errors.Conflict(op, err, err.Error())
	case stderrors.Is(err, session.ErrNoSuchVideo), stderrors.Is(err, session.ErrNoLinks):
		return errors.InvalidInput(op, err, err.Error())
	default:
		return errors.Internal(op, err, "Session error")
	}
}
