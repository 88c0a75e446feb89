// Package embedded ships the built-in strategy templates compiled into
// the binary. A fresh install can copy one into the builder and deploy
// it without authoring condition-tree JSON by hand.
package embedded

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/quantfold/tradecore/internal/evaluation"
)

//go:embed strategies/*.json
var files embed.FS

// Template is one built-in strategy: a named, documented definition in
// the same JSON shape the builder API accepts.
type Template struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Definition  json.RawMessage `json:"definition"`
}

var (
	loadOnce   sync.Once
	loaded     []Template
	loadedByID map[string]Template
	loadErr    error
)

func load() {
	entries, err := files.ReadDir("strategies")
	if err != nil {
		loadErr = fmt.Errorf("failed to read embedded strategies: %w", err)
		return
	}

	loadedByID = make(map[string]Template, len(entries))
	for _, entry := range entries {
		raw, err := files.ReadFile("strategies/" + entry.Name())
		if err != nil {
			loadErr = fmt.Errorf("failed to read template %s: %w", entry.Name(), err)
			return
		}
		var t Template
		if err := json.Unmarshal(raw, &t); err != nil {
			loadErr = fmt.Errorf("template %s is not valid JSON: %w", entry.Name(), err)
			return
		}
		if t.ID == "" {
			loadErr = fmt.Errorf("template %s has no id", entry.Name())
			return
		}
		// A template that fails definition validation is a build defect;
		// catching it here keeps the builder API from ever serving one.
		if _, err := evaluation.ParseDefinition(t.Definition); err != nil {
			loadErr = fmt.Errorf("template %s: %w", t.ID, err)
			return
		}
		if _, dup := loadedByID[t.ID]; dup {
			loadErr = fmt.Errorf("duplicate template id %s", t.ID)
			return
		}
		loadedByID[t.ID] = t
		loaded = append(loaded, t)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })
}

// Templates returns every built-in template, sorted by id.
func Templates() ([]Template, error) {
	loadOnce.Do(load)
	return loaded, loadErr
}

// Lookup returns one built-in template by id.
func Lookup(id string) (Template, bool, error) {
	loadOnce.Do(load)
	if loadErr != nil {
		return Template{}, false, loadErr
	}
	t, ok := loadedByID[id]
	return t, ok, nil
}
