package fetcher

import (
	"context"
	"path/filepath"

	"github.com/lrstanley/go-ytdlp"
	"github.com/pkg/errors"
)

// YTDLP extracts audio with the yt-dlp binary found on PATH.
type YTDLP struct{}

func (YTDLP) Extract(ctx context.Context, url, dir string) (*Extraction, error) {
	dl := ytdlp.New().
		NoPlaylist().
		Format("bestaudio/best").
		ExtractAudio().
		AudioFormat("mp3").
		RestrictFilenames().
		NoOverwrites().
		PrintJSON().
		Output(filepath.Join(dir, "%(title)s.%(ext)s"))

	result, err := dl.Run(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "yt-dlp failed")
	}

	info, err := result.GetExtractedInfo()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read yt-dlp output")
	}
	if len(info) == 0 {
		return nil, errors.New("yt-dlp returned no video info")
	}

	ex := &Extraction{}
	if info[0].Title != nil {
		ex.Title = *info[0].Title
	}
	if info[0].Thumbnail != nil {
		ex.ThumbnailURL = *info[0].Thumbnail
	}

	// Post-processing replaces the downloaded container with the mp3, so
	// look for the converted file before trusting the reported name.
	matches, _ := filepath.Glob(filepath.Join(dir, "*"+audioExt))
	switch {
	case len(matches) > 0:
		ex.Path = matches[0]
	case info[0].Filename != nil:
		ex.Path = *info[0].Filename
	default:
		return nil, errors.New("yt-dlp did not report an output file")
	}

	return ex, nil
}
