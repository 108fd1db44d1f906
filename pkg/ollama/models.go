package ollama

import (
	"context"
	"fmt"
	"strings"
)

// Lister reports installed models.
type Lister interface {
	Tags(ctx context.Context) ([]Model, error)
}

// Puller fetches a model.
type Puller interface {
	Pull(ctx context.Context, model string) error
}

// EnsureModels pulls every model in names that the server does not already
// have, in order. It returns the models that were pulled.
func EnsureModels(ctx context.Context, l Lister, p Puller, names ...string) ([]string, error) {
	installed, err := l.Tags(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}

	var pulled []string
	for _, name := range names {
		if name == "" || HasModel(installed, name) {
			continue
		}
		if err := p.Pull(ctx, name); err != nil {
			return pulled, err
		}
		pulled = append(pulled, name)
	}
	return pulled, nil
}

// HasModel reports whether name is among models. A name without a tag
// matches the "latest" tag.
func HasModel(models []Model, name string) bool {
	want := normalizeName(name)
	for _, m := range models {
		if normalizeName(m.Name) == want {
			return true
		}
	}
	return false
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	// The tag separator is the last colon after the final path segment, so
	// registry hosts with ports keep their colon.
	last := name[strings.LastIndexByte(name, '/')+1:]
	if !strings.Contains(last, ":") {
		name += ":latest"
	}
	return name
}
