// Package guidelines reads the guideline corpus from a directory.
package guidelines

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/normalisers"
)

// Verify interface compliance
var _ driven.GuidelineSource = (*DirSource)(nil)

// ManifestFile optionally assigns categories and titles to corpus files.
const ManifestFile = "manifest.yaml"

// Manifest is the decoded manifest.yaml. Keys are slash paths relative to the root.
//
//	files:
//	  residence/extension.md:
//	    category: residence-permit-extension
//	    title: Residence Permit Extension
type Manifest struct {
	Files map[string]ManifestEntry `yaml:"files"`
}

// ManifestEntry describes one corpus file.
type ManifestEntry struct {
	Category domain.Category `yaml:"category"`
	Title    string          `yaml:"title"`
	Skip     bool            `yaml:"skip"`
}

// DirSource loads *.md and *.txt files below a root directory.
// Category resolution: manifest entry, then the first path element if it
// names a category, then the file name, else "other".
type DirSource struct {
	fsys        fs.FS
	normalisers driven.NormaliserRegistry
	logger      *slog.Logger
}

// NewDirSource reads the corpus from dir on disk.
func NewDirSource(dir string, registry driven.NormaliserRegistry, logger *slog.Logger) *DirSource {
	return NewFSSource(os.DirFS(dir), registry, logger)
}

// NewFSSource reads the corpus from any fs.FS.
func NewFSSource(fsys fs.FS, registry driven.NormaliserRegistry, logger *slog.Logger) *DirSource {
	if registry == nil {
		registry = normalisers.DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DirSource{fsys: fsys, normalisers: registry, logger: logger}
}

// Load returns the corpus documents sorted by path.
func (s *DirSource) Load(ctx context.Context) ([]driven.GuidelineDocument, error) {
	manifest, err := s.manifest()
	if err != nil {
		return nil, err
	}

	var names []string
	err = fs.WalkDir(s.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if mimeTypeOf(p) == "" || strings.EqualFold(d.Name(), "README.md") {
			return nil
		}
		names = append(names, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk guideline directory: %w", err)
	}
	sort.Strings(names)

	docs := make([]driven.GuidelineDocument, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := manifest.Files[name]
		if entry.Skip {
			continue
		}

		raw, err := fs.ReadFile(s.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		mimeType := mimeTypeOf(name)
		content := string(raw)
		if n := s.normalisers.Get(mimeType); n != nil {
			content = n.Normalise(content, mimeType)
		}

		category := entry.Category
		if category != "" && !category.IsValid() {
			s.logger.Warn("unknown category in manifest", "file", name, "category", category)
			category = ""
		}
		if category == "" {
			category = inferCategory(name)
		}

		docs = append(docs, driven.GuidelineDocument{
			Name:     name,
			Title:    entry.Title,
			Category: category,
			MimeType: mimeType,
			Content:  content,
		})
	}

	s.logger.Debug("guideline files read", "files", len(docs))
	return docs, nil
}

func (s *DirSource) manifest() (Manifest, error) {
	var m Manifest
	raw, err := fs.ReadFile(s.fsys, ManifestFile)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: manifest: %v", domain.ErrInvalidInput, err)
	}
	return m, nil
}

func mimeTypeOf(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	}
	return ""
}

// inferCategory matches the top directory or the file stem against the
// category names, e.g. "student-visa/faq.md" or "work-permit.txt".
func inferCategory(name string) domain.Category {
	if dir, _, ok := strings.Cut(name, "/"); ok {
		if c := domain.Category(strings.ToLower(dir)); c.IsValid() {
			return c
		}
	}
	stem := strings.ToLower(strings.TrimSuffix(path.Base(name), path.Ext(name)))
	stem = strings.NewReplacer("_", "-", " ", "-").Replace(stem)
	if c := domain.Category(stem); c.IsValid() {
		return c
	}
	return domain.CategoryOther
}
