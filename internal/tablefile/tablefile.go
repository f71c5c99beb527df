// Package tablefile reads and writes the paged table files of an export
// archive. Pages are YAML sequences of flat column mappings; decoding only
// ever produces strings and nulls.
package tablefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

// Ext is the extension of every table page.
const Ext = ".yml"

// DefaultPageSize is the number of rows written per page when none is given.
const DefaultPageSize = 1000

// maxPageBytes bounds a single page read from disk.
const maxPageBytes = 256 << 20

// RowSource yields rows in the order they must be written. It stops early
// when yield returns an error and returns that error.
type RowSource func(yield func(model.Row) error) error

// SliceSource adapts a slice to a RowSource.
func SliceSource(rows []model.Row) RowSource {
	return func(yield func(model.Row) error) error {
		for _, r := range rows {
			if err := yield(r); err != nil {
				return err
			}
		}
		return nil
	}
}

// PageName returns the file name of page index of table.
func PageName(table string, index int) string {
	return fmt.Sprintf("%s_%d%s", table, index, Ext)
}

// LegacyName returns the single-file name older archives used for table.
func LegacyName(table string) string {
	return table + Ext
}

// WritePages streams rows from src into dir as table_0.yml, table_1.yml, ...,
// each holding at most pageSize rows. An empty source still writes page 0 so
// readers can tell an empty table from a missing one. It returns the number
// of rows written.
func WritePages(dir, table string, src RowSource, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var (
		page  = make([]model.Row, 0, pageSize)
		index int
		total int
	)
	flush := func() error {
		if err := writePage(filepath.Join(dir, PageName(table, index)), page); err != nil {
			return err
		}
		index++
		page = page[:0]
		return nil
	}

	err := src(func(r model.Row) error {
		page = append(page, r)
		total++
		if len(page) == pageSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("writing %s pages: %w", table, err)
	}
	if len(page) > 0 || index == 0 {
		if err := flush(); err != nil {
			return total, err
		}
	}
	return total, nil
}

func writePage(path string, rows []model.Row) error {
	data, err := yaml.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Pages returns the page files of table in dir in ascending index order,
// falling back to the legacy single file. It returns nil when the table has
// no files at all.
func Pages(dir, table string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(table) + `_(\d+)` + regexp.QuoteMeta(Ext) + `$`)
	type page struct {
		index int
		name  string
	}
	var pages []page
	legacy := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == LegacyName(table) {
			legacy = true
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		pages = append(pages, page{index: n, name: e.Name()})
	}

	if len(pages) == 0 {
		if legacy {
			return []string{filepath.Join(dir, LegacyName(table))}, nil
		}
		return nil, nil
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].index < pages[j].index })
	out := make([]string, len(pages))
	for i, p := range pages {
		if p.index != i {
			return nil, errs.UnreadableTable(table, fmt.Errorf("page %d missing", i))
		}
		out[i] = filepath.Join(dir, p.name)
	}
	return out, nil
}

// Exists reports whether dir holds any file for table.
func Exists(dir, table string) (bool, error) {
	pages, err := Pages(dir, table)
	return len(pages) > 0, err
}

// Load reads every page of table in order and returns the concatenated rows.
// A table with no files yields no rows. Any page holding anything other than
// a sequence of flat scalar mappings fails the whole load.
func Load(dir, table string) ([]model.Row, error) {
	pages, err := Pages(dir, table)
	if err != nil {
		return nil, err
	}
	var rows []model.Row
	for _, p := range pages {
		data, err := readFile(p)
		if err != nil {
			return nil, errs.UnreadableTable(filepath.Base(p), err)
		}
		pageRows, err := Decode(filepath.Base(p), data)
		if err != nil {
			return nil, err
		}
		rows = append(rows, pageRows...)
	}
	return rows, nil
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxPageBytes {
		return nil, fmt.Errorf("%d bytes exceeds page limit", info.Size())
	}
	return os.ReadFile(path)
}

// allowedTags are the only YAML tags a page may carry.
var allowedTags = map[string]bool{
	"!!str":       true,
	"!!int":       true,
	"!!float":     true,
	"!!bool":      true,
	"!!null":      true,
	"!!timestamp": true,
	"!!map":       true,
	"!!seq":       true,
}

// ErrDisallowedContent is matched by errors.Is for any page rejected for
// carrying non-primitive content.
var ErrDisallowedContent = &errs.Error{Code: errs.CodeDisallowedContent}

// Decode parses one page. It returns a disallowed-content error for aliases,
// anchors, custom tags or nested values, and never returns partial rows.
func Decode(name string, data []byte) ([]model.Row, error) {
	var doc yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errs.UnreadableTable(name, err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errs.DisallowedContent(name, "multiple documents")
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, errs.UnreadableTable(name, fmt.Errorf("expected a single document"))
	}
	root := doc.Content[0]
	if err := checkNode(name, root); err != nil {
		return nil, err
	}
	if root.Kind == yaml.ScalarNode && root.ShortTag() == "!!null" {
		return nil, nil
	}
	if root.Kind != yaml.SequenceNode {
		return nil, errs.UnreadableTable(name, fmt.Errorf("expected a sequence of rows"))
	}

	src := newSource(data)
	rows := make([]model.Row, 0, len(root.Content))
	for i, item := range root.Content {
		if item.Kind != yaml.MappingNode {
			return nil, errs.UnreadableTable(name, fmt.Errorf("row %d is not a mapping", i))
		}
		r := make(model.Row, len(item.Content)/2)
		for j := 0; j+1 < len(item.Content); j += 2 {
			k, v := item.Content[j], item.Content[j+1]
			if k.Kind != yaml.ScalarNode {
				return nil, errs.DisallowedContent(name, fmt.Sprintf("row %d has a non-scalar key", i))
			}
			if v.Kind != yaml.ScalarNode {
				return nil, errs.DisallowedContent(name, fmt.Sprintf("row %d column %s is not a scalar", i, k.Value))
			}
			if v.ShortTag() == "!!null" {
				r.SetNull(k.Value)
				continue
			}
			r.Set(k.Value, scalarValue(src, v))
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// checkNode walks the whole tree before anything is converted.
func checkNode(name string, n *yaml.Node) error {
	switch n.Kind {
	case yaml.AliasNode:
		return errs.DisallowedContent(name, "alias *"+n.Value)
	case yaml.DocumentNode, yaml.SequenceNode, yaml.MappingNode, yaml.ScalarNode:
	default:
		return errs.DisallowedContent(name, "unknown node kind")
	}
	if n.Anchor != "" {
		return errs.DisallowedContent(name, "anchor &"+n.Anchor)
	}
	if n.Kind != yaml.DocumentNode && !allowedTags[n.ShortTag()] {
		return errs.DisallowedContent(name, "tag "+n.Tag)
	}
	for _, c := range n.Content {
		if err := checkNode(name, c); err != nil {
			return err
		}
	}
	return nil
}

// scalarValue returns the scalar's text. Double-quoted scalars whose source
// spells out UTF-8 bytes one escape at a time (\xC3\xA9) are reassembled into
// the characters those bytes encode. Characters written literally are never
// touched, so pages this package writes read back unchanged.
func scalarValue(src *source, n *yaml.Node) string {
	if n.Style&yaml.DoubleQuotedStyle == 0 {
		return n.Value
	}
	raw, ok := src.quoted(n)
	if !ok {
		return n.Value
	}
	escaped := highByteEscapes(raw)
	if escaped == 0 {
		return n.Value
	}

	high := 0
	buf := make([]byte, 0, len(n.Value))
	for _, r := range n.Value {
		if r > 0xFF {
			return n.Value
		}
		if r >= 0x80 {
			high++
		}
		buf = append(buf, byte(r))
	}
	if high != escaped || !utf8.Valid(buf) {
		return n.Value
	}
	return string(buf)
}

// source locates the raw text of scalars in a page.
type source struct {
	data  []byte
	lines []int
}

func newSource(data []byte) *source {
	lines := []int{0}
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, i+1)
		}
	}
	return &source{data: data, lines: lines}
}

// quoted returns the text between the quotes of a double-quoted scalar,
// escapes left as written.
func (s *source) quoted(n *yaml.Node) (string, bool) {
	if n.Line < 1 || n.Line > len(s.lines) || n.Column < 1 {
		return "", false
	}
	pos := s.lines[n.Line-1]
	for range n.Column - 1 {
		if pos >= len(s.data) {
			return "", false
		}
		_, size := utf8.DecodeRune(s.data[pos:])
		pos += size
	}
	if pos >= len(s.data) || s.data[pos] != '"' {
		return "", false
	}
	start := pos + 1
	for i := start; i < len(s.data); i++ {
		switch s.data[i] {
		case '\\':
			i++
		case '"':
			return string(s.data[start:i]), true
		}
	}
	return "", false
}

// highByteEscapes counts \xHH escapes in raw naming a byte of 0x80 or above.
func highByteEscapes(raw string) int {
	count := 0
	for i := 0; i+1 < len(raw); i++ {
		if raw[i] != '\\' {
			continue
		}
		if raw[i+1] == 'x' && i+3 < len(raw) {
			if b, err := strconv.ParseUint(raw[i+2:i+4], 16, 8); err == nil && b >= 0x80 {
				count++
			}
		}
		i++
	}
	return count
}

// Set holds the rows of several tables keyed by table name. Tables absent
// from an archive have no key.
type Set map[string][]model.Row

// Has reports whether table was present.
func (s Set) Has(table string) bool {
	_, ok := s[table]
	return ok
}

// Rename moves the rows of from to to.
func (s Set) Rename(from, to string) {
	rows, ok := s[from]
	if !ok || from == to {
		return
	}
	delete(s, from)
	s[to] = rows
}

// LoadSet loads every named table present in dir. Any unreadable table fails
// the whole load.
func LoadSet(dir string, tables []string) (Set, error) {
	set := make(Set, len(tables))
	for _, t := range tables {
		ok, err := Exists(dir, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rows, err := Load(dir, t)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []model.Row{}
		}
		set[t] = rows
	}
	return set, nil
}
