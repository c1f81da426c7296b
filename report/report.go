// Package report turns a finished transcript into the tables shown to the
// user. Nothing here performs I/O beyond writing to a caller's io.Writer.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/nijaru/yt-audit/assemblyai"
	"github.com/nijaru/yt-audit/models"
)

// TopicSeparator splits an IAB category path into its levels.
const TopicSeparator = ">"

type SensitiveRow struct {
	Topic      string  `json:"topic"`
	Confidence float64 `json:"confidence"`
}

type SensitiveTable struct {
	AllClear bool           `json:"all_clear"`
	Rows     []SensitiveRow `json:"rows"`
}

type TopicRow struct {
	Levels     []string `json:"levels"`
	Confidence float64  `json:"confidence"`
}

// TopicTable has one column per hierarchy level, named topic_level_0 onward.
// Every row has exactly len(Columns) levels.
type TopicTable struct {
	Columns []string   `json:"columns"`
	Rows    []TopicRow `json:"rows"`
}

type Report struct {
	Video     models.VideoRef `json:"video"`
	Summary   string          `json:"summary"`
	Sensitive SensitiveTable  `json:"sensitive"`
	Topics    TopicTable      `json:"topics"`
}

func Build(video models.VideoRef, t *assemblyai.Transcript) *Report {
	return &Report{
		Video:     video,
		Summary:   t.Summary,
		Sensitive: SensitiveTopics(t.SensitiveTopics()),
		Topics:    Topics(t.Topics()),
	}
}

// SensitiveTopics builds the sensitive-content table. An empty map is all
// clear. Rows are ordered by confidence, highest first, then by topic.
func SensitiveTopics(labels map[string]float64) SensitiveTable {
	if len(labels) == 0 {
		return SensitiveTable{AllClear: true, Rows: []SensitiveRow{}}
	}

	rows := make([]SensitiveRow, 0, len(labels))
	for topic, confidence := range labels {
		rows = append(rows, SensitiveRow{Topic: topic, Confidence: confidence})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Confidence != rows[j].Confidence {
			return rows[i].Confidence > rows[j].Confidence
		}
		return rows[i].Topic < rows[j].Topic
	})

	return SensitiveTable{Rows: rows}
}

// Topics splits each category path into levels and pads shorter paths with
// empty strings. Rows are sorted by confidence descending; ties keep the order
// of their original keys.
func Topics(categories map[string]float64) TopicTable {
	keys := make([]string, 0, len(categories))
	for k := range categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sort.SliceStable(keys, func(i, j int) bool {
		return categories[keys[i]] > categories[keys[j]]
	})

	depth := 0
	split := make([][]string, len(keys))
	for i, k := range keys {
		split[i] = strings.Split(k, TopicSeparator)
		if len(split[i]) > depth {
			depth = len(split[i])
		}
	}

	table := TopicTable{
		Columns: make([]string, depth),
		Rows:    make([]TopicRow, len(keys)),
	}
	for i := range table.Columns {
		table.Columns[i] = fmt.Sprintf("topic_level_%d", i)
	}
	for i, k := range keys {
		levels := make([]string, depth)
		copy(levels, split[i])
		table.Rows[i] = TopicRow{Levels: levels, Confidence: categories[k]}
	}

	return table
}

// WriteText renders the report as plain aligned tables.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "%s\n%s\n\n", r.Video.Title, r.Video.URL)
	fmt.Fprintf(tw, "Summary\n%s\n\n", r.Summary)

	fmt.Fprintln(tw, "Sensitive topics")
	if r.Sensitive.AllClear {
		fmt.Fprintln(tw, "All clear")
	} else {
		fmt.Fprintln(tw, "topic\tconfidence\t")
		for _, row := range r.Sensitive.Rows {
			fmt.Fprintf(tw, "%s\t%.4f\t\n", row.Topic, row.Confidence)
		}
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "Topics")
	if len(r.Topics.Rows) == 0 {
		fmt.Fprintln(tw, "No topics detected")
		return tw.Flush()
	}
	fmt.Fprintf(tw, "%s\tconfidence\t\n", strings.Join(r.Topics.Columns, "\t"))
	for _, row := range r.Topics.Rows {
		fmt.Fprintf(tw, "%s\t%.4f\t\n", strings.Join(row.Levels, "\t"), row.Confidence)
	}

	return tw.Flush()
}
