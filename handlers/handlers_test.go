package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nijaru/yt-audit/cache"
	"github.com/nijaru/yt-audit/config"
	"github.com/nijaru/yt-audit/db"
	"github.com/nijaru/yt-audit/models"
	"github.com/nijaru/yt-audit/report"
	"github.com/nijaru/yt-audit/session"
)

const (
	videoA = "https://www.youtube.com/watch?v=aaaaaaaaaaa"
	videoB = "https://www.youtube.com/watch?v=bbbbbbbbbbb"
)

type fakePipeline struct {
	audioPath string
}

func (f *fakePipeline) Fetch(ctx context.Context, url string) (models.VideoRef, error) {
	return models.VideoRef{URL: url, Title: "Title", AudioPath: f.audioPath, ThumbnailURL: "https://i.ytimg.com/x.jpg"}, nil
}

func (f *fakePipeline) Analyze(ctx context.Context, video models.VideoRef) (*report.Report, error) {
	return &report.Report{Video: video, Summary: "summary", Sensitive: report.SensitiveTopics(nil)}, nil
}

type fakeCache struct {
	forgotten []string
	purged    int
}

func (f *fakeCache) Forget(url string) { f.forgotten = append(f.forgotten, url) }
func (f *fakeCache) Purge()            { f.purged++ }
func (f *fakeCache) CacheStats() []cache.Stats {
	return []cache.Stats{{Name: "fetch"}}
}

type testEnv struct {
	handler  *Handler
	mux      http.Handler
	sessions *session.Store
	cache    *fakeCache
	cookie   *http.Cookie
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	audio := filepath.Join(dir, "audio.mp3")
	if err := os.WriteFile(audio, []byte("ID3 fake audio"), 0644); err != nil {
		t.Fatal(err)
	}
	sample := filepath.Join(dir, "links.txt")
	if err := os.WriteFile(sample, []byte(videoA+"\n"+videoB+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{SampleLinksPath: sample}
	sessions := session.NewStore(&fakePipeline{audioPath: audio})
	c := &fakeCache{}
	h := New(cfg, sessions, c)

	return &testEnv{handler: h, mux: h.Routes(), sessions: sessions, cache: c, dir: dir}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if e.cookie != nil {
		req.AddCookie(e.cookie)
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	for _, c := range rr.Result().Cookies() {
		if c.Name == session.CookieName {
			e.cookie = c
		}
	}
	return rr
}

func (e *testEnv) wait(t *testing.T) *session.Session {
	t.Helper()
	s, ok := e.sessions.Get(e.cookie.Value)
	if !ok {
		t.Fatal("session not found")
	}
	s.Wait()
	return s
}

func formRequest(method, target string, values url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func TestIndex(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Use default example file") {
		t.Error("expected index page")
	}

	if rr := env.do(t, httptest.NewRequest("GET", "/missing", nil)); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown path, got %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, httptest.NewRequest("GET", "/health", nil))

	var body struct {
		Status string        `json:"status"`
		Caches []cache.Stats `json:"caches"`
	}
	decode(t, rr, &body)
	if body.Status != "ok" || len(body.Caches) != 1 {
		t.Errorf("unexpected health response: %+v", body)
	}
}

func TestGetSessionIssuesCookie(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, httptest.NewRequest("GET", "/api/session", nil))
	if env.cookie == nil {
		t.Fatal("expected session cookie")
	}
	var snap session.Snapshot
	decode(t, rr, &snap)
	if snap.State != session.StateIdle || snap.ID != env.cookie.Value {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	first := env.cookie.Value
	env.do(t, httptest.NewRequest("GET", "/api/session", nil))
	if env.cookie.Value != first {
		t.Error("expected the same session on the second request")
	}
	if env.sessions.Len() != 1 {
		t.Errorf("expected 1 session, got %d", env.sessions.Len())
	}
}

func TestLoadLinksDefault(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, formRequest("POST", "/api/links", url.Values{"use_default": {"true"}}))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	snap := env.wait(t).Snapshot()
	if snap.State != session.StateSelecting || len(snap.Videos) != 2 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestLoadLinksUpload(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "links.csv")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(videoB + "\n"))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/links", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := env.do(t, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	snap := env.wait(t).Snapshot()
	if len(snap.Videos) != 1 || snap.Videos[0].URL != videoB {
		t.Errorf("unexpected videos: %+v", snap.Videos)
	}
}

func TestLoadLinksErrors(t *testing.T) {
	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{"no file", func() *http.Request {
			return formRequest("POST", "/api/links", url.Values{})
		}},
		{"short link", func() *http.Request {
			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			fw, _ := mw.CreateFormFile("file", "links.txt")
			fw.Write([]byte("https://youtu.be/aaaaaaaaaaa\n"))
			mw.Close()
			req := httptest.NewRequest("POST", "/api/links", &body)
			req.Header.Set("Content-Type", mw.FormDataContentType())
			return req
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rr := env.do(t, tt.req())
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSelect(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, formRequest("POST", "/api/select", url.Values{"index": {"0"}}))
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409 before loading, got %d", rr.Code)
	}

	env.do(t, formRequest("POST", "/api/links", url.Values{"use_default": {"true"}}))
	env.wait(t)

	if rr := env.do(t, formRequest("POST", "/api/select", url.Values{"index": {"x"}})); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad index, got %d", rr.Code)
	}
	if rr := env.do(t, formRequest("POST", "/api/select", url.Values{"index": {"5"}})); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for out of range index, got %d", rr.Code)
	}

	rr = env.do(t, formRequest("POST", "/api/select", url.Values{"index": {"1"}}))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	snap := env.wait(t).Snapshot()
	if snap.State != session.StateShowingReport || snap.Report == nil || snap.Report.Video.URL != videoB {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestCancelWhenIdle(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, httptest.NewRequest("POST", "/api/cancel", nil)); rr.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rr.Code)
	}
}

func TestAudio(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do(t, httptest.NewRequest("GET", "/api/audio/0", nil)); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 before loading, got %d", rr.Code)
	}

	env.do(t, formRequest("POST", "/api/links", url.Values{"use_default": {"true"}}))
	env.wait(t)

	rr := env.do(t, httptest.NewRequest("GET", "/api/audio/0", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "audio/mpeg" {
		t.Errorf("expected audio/mpeg, got %s", rr.Header().Get("Content-Type"))
	}
	if rr.Body.String() != "ID3 fake audio" {
		t.Errorf("unexpected body %q", rr.Body.String())
	}
}

func TestGetReport(t *testing.T) {
	env := newTestEnv(t)
	env.handler.GetReportFunc = func(ctx context.Context, videoURL string) (*models.SavedReport, error) {
		if videoURL != videoA {
			return nil, db.ErrNotFound
		}
		return &models.SavedReport{
			VideoURL:  videoA,
			Title:     "Saved",
			Summary:   "- point",
			Payload:   []byte(`{"id":"1","status":"completed","summary":"- point","iab_categories_result":{"summary":{"Pets":0.9}}}`),
			CreatedAt: time.Now(),
		}, nil
	}

	rr := env.do(t, httptest.NewRequest("GET", "/api/reports/"+url.PathEscape(videoA), nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		VideoURL string         `json:"video_url"`
		Report   *report.Report `json:"report"`
	}
	decode(t, rr, &resp)
	if resp.VideoURL != videoA {
		t.Errorf("expected %s, got %s", videoA, resp.VideoURL)
	}
	if resp.Report == nil || len(resp.Report.Topics.Rows) != 1 || !resp.Report.Sensitive.AllClear {
		t.Errorf("unexpected rebuilt report: %+v", resp.Report)
	}

	rr = env.do(t, httptest.NewRequest("GET", "/api/reports/"+url.PathEscape(videoB), nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestListReports(t *testing.T) {
	env := newTestEnv(t)
	var gotLimit int
	env.handler.ListReportsFunc = func(ctx context.Context, limit int) ([]*models.SavedReport, error) {
		gotLimit = limit
		return []*models.SavedReport{{VideoURL: videoA}, {VideoURL: videoB}}, nil
	}

	rr := env.do(t, httptest.NewRequest("GET", "/api/reports?limit=5", nil))
	var list []models.SavedReport
	decode(t, rr, &list)
	if len(list) != 2 || gotLimit != 5 {
		t.Errorf("unexpected list %+v with limit %d", list, gotLimit)
	}

	if rr := env.do(t, httptest.NewRequest("GET", "/api/reports?limit=-1", nil)); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rr.Code)
	}
}

func TestDeleteReport(t *testing.T) {
	env := newTestEnv(t)
	env.handler.DeleteReportFunc = func(ctx context.Context, videoURL string) error {
		if videoURL != videoA {
			return db.ErrNotFound
		}
		return nil
	}

	rr := env.do(t, httptest.NewRequest("DELETE", "/api/reports/"+url.PathEscape(videoA), nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if len(env.cache.forgotten) != 1 || env.cache.forgotten[0] != videoA {
		t.Errorf("expected cache to forget %s, got %v", videoA, env.cache.forgotten)
	}

	rr = env.do(t, httptest.NewRequest("DELETE", "/api/reports/"+url.PathEscape(videoB), nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestPurgeCache(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, httptest.NewRequest("POST", "/api/cache/purge", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if env.cache.purged != 1 {
		t.Errorf("expected one purge, got %d", env.cache.purged)
	}
}
