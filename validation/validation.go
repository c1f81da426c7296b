package validation

import (
	"net/url"
	"strings"
)

var watchHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
}

type ValidationError struct {
	URL     string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(rawURL, message string) error {
	return &ValidationError{URL: rawURL, Message: message}
}

// ValidateWatchURL accepts only watch-page URLs such as
// https://www.youtube.com/watch?v=HfNnuQOHAaw. Short youtu.be links are rejected.
func ValidateWatchURL(rawURL string) error {
	_, err := VideoID(rawURL)
	return err
}

// VideoID returns the v parameter of a valid watch URL.
func VideoID(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", invalid(rawURL, "error: URL is required")
	}

	parsedURL, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return "", invalid(rawURL, "error: invalid URL format")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", invalid(rawURL, "error: URL must start with http or https")
	}

	host := strings.ToLower(parsedURL.Hostname())
	if host == "" {
		return "", invalid(rawURL, "error: URL must have a host")
	}

	if host == "youtu.be" {
		return "", invalid(rawURL, "error: use the https://www.youtube.com/watch?v=<id> form, not youtu.be")
	}

	if !watchHosts[host] || parsedURL.Path != "/watch" {
		return "", invalid(rawURL, "error: URL must be a YouTube watch URL")
	}

	id := parsedURL.Query().Get("v")
	if id == "" {
		return "", invalid(rawURL, "error: YouTube URL must contain a valid video ID")
	}

	return id, nil
}
