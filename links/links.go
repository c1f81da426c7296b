// Package links reads the list of video URLs a user submits for auditing.
package links

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/nijaru/yt-audit/validation"
)

// MaxFileSize bounds uploaded link files.
const MaxFileSize = 1 << 20

// Parse reads a header-less, single-column CSV of watch URLs. Blank lines are
// skipped and only the first column of each record is used. Every URL must pass
// validation.ValidateWatchURL.
func Parse(r io.Reader) ([]string, error) {
	reader := csv.NewReader(io.LimitReader(r, MaxFileSize))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var urls []string
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read links at record %d", line)
		}

		if len(record) == 0 {
			continue
		}
		url := strings.TrimSpace(strings.TrimPrefix(record[0], "\ufeff"))
		if url == "" {
			continue
		}

		if err := validation.ValidateWatchURL(url); err != nil {
			return nil, errors.Wrapf(err, "record %d", line)
		}
		urls = append(urls, url)
	}

	if len(urls) == 0 {
		return nil, errors.New("no video links found")
	}

	return urls, nil
}

// ParseFile opens path and parses it with Parse.
func ParseFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open links file")
	}
	defer f.Close()

	return Parse(f)
}
