package formatter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// leadingFields are rendered before any other field of an entry
var leadingFields = []string{"update", "component"}

// TextFormatter formats logs into text with included source code's path
type TextFormatter struct {
	timestampFormat string
	levelDesc       []string
}

// NewTextFormatter create new TextFormatter instance
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		levelDesc:       []string{"PANC", "FATL", "ERRO", "WARN", "INFO", "DEBG", "TRAC"},
		timestampFormat: time.RFC3339,
	}
}

// Format renders a single log entry. Fields are ordered so that lines of the same update line up.
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fields string
	if pairs := f.fieldPairs(entry.Data); len(pairs) > 0 {
		fields = fmt.Sprintf("[%s] ", strings.Join(pairs, ", "))
	}

	source, _ := entry.Data["source"].(string)
	if source != "" {
		source += ": "
	}

	level := f.parseLevel(entry.Level)
	return []byte(fmt.Sprintf("%s %s %s%s%s\n", entry.Time.Format(f.timestampFormat), level, fields, source, entry.Message)), nil
}

func (f *TextFormatter) fieldPairs(data logrus.Fields) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "source" {
			continue
		}
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		ri, rj := rank(keys[i]), rank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s: %v", k, data[k]))
	}
	return pairs
}

func rank(key string) int {
	for i, k := range leadingFields {
		if k == key {
			return i
		}
	}
	return len(leadingFields)
}

func (f *TextFormatter) parseLevel(level logrus.Level) string {
	if int(level) >= len(f.levelDesc) {
		return ""
	}

	return f.levelDesc[level]
}
