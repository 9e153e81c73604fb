// Package codec serializes records to Markdown files with YAML frontmatter
// and back. Encoding is deterministic: encoding the same record twice yields
// byte-identical output, which keeps files diff-friendly and makes on-disk
// timestamp comparisons meaningful.
package codec

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/raido/internal/models"
)

const delim = "---"

// frontmatter mirrors the metadata block of a record file. Times travel as
// RFC 3339 strings so the encoder controls their exact formatting.
type frontmatter struct {
	ID       string   `yaml:"id"`
	Kind     string   `yaml:"kind"`
	Status   string   `yaml:"status"`
	Category string   `yaml:"category"`
	Title    string   `yaml:"title"`
	Priority string   `yaml:"priority"`
	Due      string   `yaml:"due"`
	Tags     []string `yaml:"tags"`
	Board    string   `yaml:"board"`
	Created  string   `yaml:"created"`
	Modified string   `yaml:"modified"`
}

// Decode parses raw file bytes into a record. ok is false when the file has
// no frontmatter block, the YAML is malformed, or a required key (id, kind,
// status, created, modified) is missing. Callers treat such files as "not a
// record" and skip them rather than failing a whole load.
func Decode(data []byte) (rec models.Record, ok bool) {
	block, body, found := splitFrontmatter(data)
	if !found {
		return models.Record{}, false
	}

	var fm frontmatter
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return models.Record{}, false
	}
	if fm.ID == "" || fm.Kind == "" || fm.Status == "" || fm.Created == "" || fm.Modified == "" {
		return models.Record{}, false
	}

	created, err := time.Parse(time.RFC3339, fm.Created)
	if err != nil {
		return models.Record{}, false
	}
	modified, err := time.Parse(time.RFC3339, fm.Modified)
	if err != nil {
		return models.Record{}, false
	}

	rec = models.Record{
		ID:       fm.ID,
		Kind:     models.Kind(fm.Kind),
		Category: models.Category(fm.Category),
		Title:    fm.Title,
		Status:   fm.Status,
		Priority: fm.Priority,
		Tags:     fm.Tags,
		Board:    fm.Board,
		Body:     body,
		Created:  created,
		Modified: modified,
	}
	if rec.Category == "" {
		rec.Category = models.CategoryActive
	}
	if fm.Due != "" {
		if due, err := parseDue(fm.Due); err == nil {
			rec.Due = &due
		}
	}
	return rec, true
}

// Encode renders a record as frontmatter + blank line + body. Keys are
// emitted in a fixed order and empty optional keys are omitted.
func Encode(rec models.Record) []byte {
	root := &yaml.Node{Kind: yaml.MappingNode}
	put := func(key, val string) {
		root.Content = append(root.Content, scalar(key), scalar(val))
	}

	put("id", rec.ID)
	put("kind", string(rec.Kind))
	put("status", rec.Status)
	put("category", string(rec.Category))
	put("title", rec.Title)
	if rec.Priority != "" {
		put("priority", rec.Priority)
	}
	if rec.Due != nil {
		put("due", rec.Due.UTC().Format(time.RFC3339))
	}
	if len(rec.Tags) > 0 {
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, t := range sortedTags(rec.Tags) {
			seq.Content = append(seq.Content, scalar(t))
		}
		root.Content = append(root.Content, scalar("tags"), seq)
	}
	if rec.Board != "" {
		put("board", rec.Board)
	}
	put("created", rec.Created.UTC().Format(time.RFC3339))
	put("modified", rec.Modified.UTC().Format(time.RFC3339))

	var buf bytes.Buffer
	buf.WriteString(delim + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		// A mapping of string scalars cannot fail to encode; keep the
		// signature write-only regardless.
		panic(fmt.Sprintf("codec: encode frontmatter: %v", err))
	}
	enc.Close()
	buf.WriteString(delim + "\n\n")
	buf.WriteString(rec.Body)
	if !strings.HasSuffix(rec.Body, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

// splitFrontmatter separates the YAML block (between leading --- delimiters)
// from the body. found is false when no complete block exists.
func splitFrontmatter(data []byte) (block []byte, body string, found bool) {
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, "", false
	}
	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, "", false
	}
	block = rest[:idx]
	after := rest[idx+1+len(delim):]
	body = strings.TrimLeft(string(after), "\n\r")
	return block, body, true
}

func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func sortedTags(tags []string) []string {
	out := append([]string(nil), tags...)
	sort.Strings(out)
	return out
}

func scalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}
