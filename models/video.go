package models

import "time"

// VideoRef is a resolved watch URL with its downloaded audio. It is not
// modified after the fetch that created it.
type VideoRef struct {
	URL          string `json:"url"`
	Title        string `json:"title"`
	AudioPath    string `json:"-"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// SavedReport is a finished analysis as kept in report history.
type SavedReport struct {
	VideoURL     string    `json:"video_url"`
	Title        string    `json:"title"`
	AudioPath    string    `json:"-"`
	ThumbnailURL string    `json:"thumbnail_url"`
	UploadURL    string    `json:"upload_url"`
	PollingURL   string    `json:"polling_url"`
	Summary      string    `json:"summary"`
	Payload      []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r *SavedReport) Video() VideoRef {
	return VideoRef{
		URL:          r.VideoURL,
		Title:        r.Title,
		AudioPath:    r.AudioPath,
		ThumbnailURL: r.ThumbnailURL,
	}
}
