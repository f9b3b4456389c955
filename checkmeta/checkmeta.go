/*
Package checkmeta resolves check keys to their registered metadata.

The canonical registry is a library of markdown documents, one per check key,
each carrying a YAML front-matter block:

	---
	title: Storage accounts enforce encryption in transit
	severity: High
	---

	# Storage accounts enforce encryption in transit

	Every storage account must ...

The document's file name (without the .md extension) is the check key. The
front matter is authoritative for the severity; the title falls back to the
document's first heading when the front matter omits it.
*/
package checkmeta

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/danielorbach/go-component"
	"gopkg.in/yaml.v2"

	producttwin "github.com/go-producttwin/go-producttwin"
)

// frontMatter captures the YAML block between the leading --- fences.
var frontMatter = regexp.MustCompile(`(?s)\A---\s*\n(.*?)\n---\s*\n?`)

// A Library reads check metadata from a filesystem of markdown documents. Any
// fs.FS works: an embedded library, a directory, or a cloud bucket mounted
// through a blob filesystem.
type Library struct {
	fsys fs.FS
}

// NewLibrary returns a registry over the given filesystem. Documents are read
// lazily on every lookup, so the library observes edits without restarting.
func NewLibrary(fsys fs.FS) *Library {
	return &Library{fsys: fsys}
}

// ChecksMetadata implements producttwin.MetadataRegistry.
//
// The library is product-independent: the metadata of a check applies to every
// product evaluated against it, so the entity key only scopes logging.
func (l *Library) ChecksMetadata(ctx context.Context, entityKey string) ([]producttwin.CheckMetadata, error) {
	names, err := fs.Glob(l.fsys, "*.md")
	if err != nil {
		return nil, fmt.Errorf("glob metadata documents: %w", err)
	}
	sort.Strings(names)

	metadata := make([]producttwin.CheckMetadata, 0, len(names))
	for _, name := range names {
		m, err := l.load(ctx, name)
		if err != nil {
			return nil, err
		}
		metadata = append(metadata, m)
	}
	return metadata, nil
}

// Document returns the full markdown body of one check's document, without
// its front matter. It reports producttwin.ErrNotFound for unregistered keys.
func (l *Library) Document(ctx context.Context, key string) (string, error) {
	raw, err := fs.ReadFile(l.fsys, key+".md")
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return "", fmt.Errorf("document of check %q: %w", key, producttwin.ErrNotFound)
		}
		return "", fmt.Errorf("read document of check %q: %w", key, err)
	}
	body := frontMatter.ReplaceAllString(string(raw), "")
	return strings.TrimLeft(body, "\n"), nil
}

func (l *Library) load(ctx context.Context, name string) (producttwin.CheckMetadata, error) {
	raw, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		return producttwin.CheckMetadata{}, fmt.Errorf("read metadata document %q: %w", name, err)
	}

	var meta producttwin.CheckMetadata

	match := frontMatter.FindSubmatch(raw)
	if match == nil {
		component.Logger(ctx).Warn("Metadata document has no front matter", "document", name)
	} else if err := yaml.Unmarshal(match[1], &meta); err != nil {
		return producttwin.CheckMetadata{}, fmt.Errorf("parse front matter of %q: %w", name, err)
	}
	// The file name is authoritative for the key, even when the front matter
	// carries one.
	meta.Key = strings.TrimSuffix(path.Base(name), ".md")

	switch meta.Severity {
	case producttwin.SeverityNotSet, producttwin.SeverityLow, producttwin.SeverityMedium,
		producttwin.SeverityHigh, producttwin.SeverityCritical:
	default:
		component.Logger(ctx).Warn("Metadata document declares an unknown severity",
			"document", name, "severity", meta.Severity)
		meta.Severity = producttwin.SeverityNotSet
	}

	if meta.Title == "" {
		meta.Title = firstHeading(string(raw))
	}
	return meta, nil
}

// firstHeading returns the text of the first markdown heading, at any level.
func firstHeading(document string) string {
	for _, line := range strings.Split(document, "\n") {
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}

// Static is a fixed registry. It serves tests and deployments whose check
// library is compiled in.
type Static []producttwin.CheckMetadata

// ChecksMetadata implements producttwin.MetadataRegistry.
func (s Static) ChecksMetadata(ctx context.Context, entityKey string) ([]producttwin.CheckMetadata, error) {
	return s, nil
}
