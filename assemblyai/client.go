// Package assemblyai is a small client for the AssemblyAI upload and
// transcript endpoints.
package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nijaru/yt-audit/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	uploadPath     = "/v2/upload"
	transcriptPath = "/v2/transcript"
)

type Client struct {
	BaseURL      string
	APIKey       string
	ChunkSize    int
	SummaryModel string
	SummaryType  string
	HTTPClient   *http.Client
}

func NewClient(cfg config.AssemblyAIConfig) *Client {
	chunk := cfg.UploadChunkSize
	if chunk <= 0 {
		chunk = config.DefaultChunkSize
	}
	return &Client{
		BaseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:       cfg.APIKey,
		ChunkSize:    chunk,
		SummaryModel: cfg.SummaryModel,
		SummaryType:  cfg.SummaryType,
		HTTPClient:   &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) transcriptURL() string {
	return c.BaseURL + transcriptPath
}

// Upload streams the file at path to the upload endpoint in ChunkSize pieces
// and returns the upload URL the API assigns to it.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open audio file")
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+uploadPath, pr)
	if err != nil {
		f.Close()
		return "", errors.Wrap(err, "failed to create upload request")
	}
	req.Header.Set("authorization", c.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	go func() {
		defer f.Close()
		total, err := streamChunks(f, c.ChunkSize, func(chunk []byte) error {
			_, err := pw.Write(chunk)
			return err
		})
		logrus.WithFields(logrus.Fields{
			"path":  path,
			"bytes": total,
		}).Debug("Finished streaming audio file")
		pw.CloseWithError(err)
	}()

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "upload request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newAPIError("upload", resp)
	}

	var body struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "failed to decode upload response")
	}
	if body.UploadURL == "" {
		return "", errors.Wrap(ErrMissingField, "upload_url")
	}

	logrus.WithField("path", path).Info("Audio uploaded")
	return body.UploadURL, nil
}

// streamChunks reads r in size-byte chunks and hands each one to fn. The last
// chunk may be short. It returns the number of bytes passed to fn.
func streamChunks(r io.Reader, size int, fn func([]byte) error) (int64, error) {
	buf := make([]byte, size)
	var total int64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if werr := fn(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return total, nil
		default:
			return total, errors.Wrap(err, "failed to read audio file")
		}
	}
}

// Submit requests summarization, IAB categories and content safety for the
// uploaded audio and returns the URL to poll for the result.
func (c *Client) Submit(ctx context.Context, uploadURL string) (string, error) {
	payload, err := json.Marshal(TranscriptRequest{
		AudioURL:      uploadURL,
		IABCategories: true,
		ContentSafety: true,
		Summarization: true,
		SummaryModel:  c.SummaryModel,
		SummaryType:   c.SummaryType,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode transcript request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.transcriptURL(), bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "failed to create transcript request")
	}
	req.Header.Set("authorization", c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "transcript request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newAPIError("submit", resp)
	}

	var t Transcript
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return "", errors.Wrap(err, "failed to decode transcript response")
	}
	if t.ID == "" {
		return "", errors.Wrap(ErrMissingField, "id")
	}

	logrus.WithFields(logrus.Fields{
		"transcript_id": t.ID,
		"status":        t.Status,
	}).Info("Transcript job submitted")

	return c.transcriptURL() + "/" + t.ID, nil
}

// Get fetches the current state of the job at pollingURL.
func (c *Client) Get(ctx context.Context, pollingURL string) (*Transcript, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollingURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create poll request")
	}
	req.Header.Set("authorization", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "poll request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError("poll", resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read poll response")
	}

	t, err := ParseTranscript(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode poll response")
	}
	return t, nil
}
