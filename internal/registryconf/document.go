// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package registryconf mutates the Registry's persistent key=value
// configuration document. The document is modelled as an ordered list
// of lines so that comments, blank lines and the original formatting
// of untouched entries survive a rewrite. A "managed" entry is one
// whose value is generated and owned by the appliance rather than the
// user, recorded as a marker comment on the line above the key.
package registryconf

import (
	"fmt"
	"os"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"
)

var logger = loggo.GetLogger("applianceupgrade.registryconf")

// ManagedMarker precedes every managed key in the document. Its exact
// text is part of the on-disk format and must not change between
// releases.
const ManagedMarker = "#managed by appliance"

type lineKind int

const (
	kindVerbatim lineKind = iota // comments, blank lines
	kindEntry
)

type line struct {
	kind    lineKind
	raw     string // verbatim text, or the original entry line
	key     string
	value   string
	managed bool
}

// Document is an in-memory copy of the configuration file. All
// mutations happen in memory; Write persists them atomically.
type Document struct {
	path  string
	lines []line
}

// Load reads and parses the configuration document at path.
// Duplicate keys are rejected: the rewrite operations below assume at
// most one line per key.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("configuration document %q", path)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading %q", path)
	}

	doc := &Document{path: path}
	seen := set.NewStrings()
	pendingManaged := false
	for _, raw := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == ManagedMarker {
			// Absorbed into the entry that follows.
			pendingManaged = true
			continue
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			if pendingManaged {
				// A dangling marker with no entry under it; keep it
				// verbatim so we never lose operator-visible text.
				doc.lines = append(doc.lines, line{kind: kindVerbatim, raw: ManagedMarker})
				pendingManaged = false
			}
			doc.lines = append(doc.lines, line{kind: kindVerbatim, raw: raw})
			continue
		}
		key, value, ok := splitEntry(trimmed)
		if !ok {
			return nil, errors.NewNotValid(nil, fmt.Sprintf(
				"%q: malformed line %q", path, raw))
		}
		if seen.Contains(key) {
			return nil, errors.NewNotValid(nil, fmt.Sprintf(
				"%q: duplicate key %q", path, key))
		}
		seen.Add(key)
		doc.lines = append(doc.lines, line{
			kind:    kindEntry,
			raw:     raw,
			key:     key,
			value:   value,
			managed: pendingManaged,
		})
		pendingManaged = false
	}
	if pendingManaged {
		doc.lines = append(doc.lines, line{kind: kindVerbatim, raw: ManagedMarker})
	}
	return doc, nil
}

func splitEntry(s string) (key, value string, ok bool) {
	i := strings.Index(s, "=")
	if i <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), true
}

// Read returns the value for key, or a NotFound error. An entry with
// an empty value is present, and returns "".
func (d *Document) Read(key string) (string, error) {
	for _, l := range d.lines {
		if l.kind == kindEntry && l.key == key {
			return l.value, nil
		}
	}
	return "", errors.NotFoundf("configuration key %q", key)
}

// Has reports whether key is present, regardless of its value.
func (d *Document) Has(key string) bool {
	_, err := d.Read(key)
	return err == nil
}

// EnsureKey appends key with a value obtained from valueFactory if the
// key is absent. An existing key is left untouched, even if its value
// is empty; valueFactory is not called in that case. It reports
// whether the document was changed.
func (d *Document) EnsureKey(key string, valueFactory func() (string, error), managed bool) (bool, error) {
	if d.Has(key) {
		logger.Debugf("key %q already present, leaving untouched", key)
		return false, nil
	}
	value, err := valueFactory()
	if err != nil {
		return false, errors.Annotatef(err, "computing value for key %q", key)
	}
	d.lines = append(d.lines, line{
		kind:    kindEntry,
		raw:     key + " = " + value,
		key:     key,
		value:   value,
		managed: managed,
	})
	logger.Infof("added configuration key %q (managed=%v)", key, managed)
	return true, nil
}

// MarkManaged records key as managed. Marking an already managed key
// is a no-op; a missing key is a NotFound error.
func (d *Document) MarkManaged(key string) error {
	for i, l := range d.lines {
		if l.kind != kindEntry || l.key != key {
			continue
		}
		if !l.managed {
			d.lines[i].managed = true
			logger.Infof("configuration key %q marked managed", key)
		}
		return nil
	}
	return errors.NotFoundf("configuration key %q", key)
}

// Write serialises the document back to its file. The write is
// replace-on-write: readers observe either the old or the new
// document, never a partial one.
func (d *Document) Write() error {
	var b strings.Builder
	for _, l := range d.lines {
		if l.kind == kindEntry && l.managed {
			b.WriteString(ManagedMarker)
			b.WriteString("\n")
		}
		b.WriteString(l.raw)
		b.WriteString("\n")
	}
	if err := utils.AtomicWriteFile(d.path, []byte(b.String()), 0644); err != nil {
		return errors.Annotatef(err, "writing %q", d.path)
	}
	return nil
}
