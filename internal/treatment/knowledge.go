package treatment

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed knowledge_base.yaml
var defaultKnowledgeBase []byte

// Entry is the static guidance for one disease.
type Entry struct {
	Immediate  []string `yaml:"immediate"`
	Protocol   []string `yaml:"protocol"`
	Prevention []string `yaml:"prevention"`
	Cautions   []string `yaml:"cautions"`
}

// KnowledgeBase is read-only after load.
type KnowledgeBase struct {
	source  string
	entries map[string]Entry
}

type knowledgeFile struct {
	Source   string           `yaml:"source"`
	Diseases map[string]Entry `yaml:"diseases"`
}

// DefaultKnowledgeBase parses the embedded guidance.
func DefaultKnowledgeBase() (*KnowledgeBase, error) {
	return ParseKnowledgeBase(defaultKnowledgeBase)
}

// LoadKnowledgeBase reads a YAML override file. An empty path returns the
// embedded default.
func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	if path == "" {
		return DefaultKnowledgeBase()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base: %w", err)
	}
	return ParseKnowledgeBase(raw)
}

func ParseKnowledgeBase(raw []byte) (*KnowledgeBase, error) {
	var file knowledgeFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base: %w", err)
	}
	if len(file.Diseases) == 0 {
		return nil, fmt.Errorf("knowledge base has no diseases")
	}
	for id, entry := range file.Diseases {
		if entry.empty() {
			return nil, fmt.Errorf("knowledge base entry %s has no guidance", id)
		}
	}
	if file.Source == "" {
		file.Source = "knowledge base"
	}
	return &KnowledgeBase{source: file.Source, entries: file.Diseases}, nil
}

// Lookup returns the entry for a raw class id.
func (kb *KnowledgeBase) Lookup(rawID string) (Entry, bool) {
	e, ok := kb.entries[rawID]
	return e, ok
}

// Source names the knowledge base in Advice.ModelUsed.
func (kb *KnowledgeBase) Source() string {
	return kb.source
}

func (kb *KnowledgeBase) Len() int {
	return len(kb.entries)
}

func (e Entry) empty() bool {
	for _, items := range [][]string{e.Immediate, e.Protocol, e.Prevention, e.Cautions} {
		for _, item := range items {
			if strings.TrimSpace(item) != "" {
				return false
			}
		}
	}
	return true
}

// Render lays the entry out in the same four sections the generative prompt
// asks for.
func (e Entry) Render() string {
	var b strings.Builder
	section := func(n int, title string, items []string) {
		if len(items) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s:", n, title)
		for _, item := range items {
			b.WriteString("\n   - ")
			b.WriteString(item)
		}
	}
	section(1, "IMMEDIATE ACTIONS", e.Immediate)
	section(2, "TREATMENT PROTOCOL", e.Protocol)
	section(3, "PREVENTION MEASURES", e.Prevention)
	section(4, "CAUTIONS", e.Cautions)
	return b.String()
}
