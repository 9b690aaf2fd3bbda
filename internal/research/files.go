package research

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
)

var noteExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// NotesLoader turns local research notes into facts, one per non-empty line.
type NotesLoader struct {
	loader *file.FileLoader
}

func NewNotesLoader(ctx context.Context) (*NotesLoader, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init notes parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("init notes loader: %w", err)
	}
	return &NotesLoader{loader: loader}, nil
}

// LoadDir reads every .txt and .md file below dir in lexical order.
func (l *NotesLoader) LoadDir(ctx context.Context, dir string) ([]Fact, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !noteExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk research dir %s: %w", dir, err)
	}
	sort.Strings(paths)

	var facts []Fact
	for _, path := range paths {
		docs, err := l.loader.Load(ctx, document.Source{URI: path})
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		for _, doc := range docs {
			for _, line := range strings.Split(doc.Content, "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				facts = append(facts, Fact{Topic: TopicNotes, Text: line})
			}
		}
	}
	return facts, nil
}
