package augment

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Ontology expands question tokens with domain synonyms from a JSON file:
//
//	{"synonyms": {"car": ["vehicle"], "cars": ["vehicle"]}}
//
// Keys and values are lowercased on load.
type Ontology struct {
	synonyms map[string][]string
}

// LoadOntology reads the synonym file.
func LoadOntology(path string) (*Ontology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ontology: %w", err)
	}
	var raw struct {
		Synonyms map[string][]string `json:"synonyms"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ontology: %w", err)
	}
	o := &Ontology{synonyms: make(map[string][]string, len(raw.Synonyms))}
	for term, syns := range raw.Synonyms {
		lowered := make([]string, len(syns))
		for i, s := range syns {
			lowered[i] = strings.ToLower(s)
		}
		o.synonyms[strings.ToLower(term)] = lowered
	}
	return o, nil
}

// Expand returns tokens plus the synonyms of each token, deduplicated,
// original order first.
func (o *Ontology) Expand(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	add := func(tok string) {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	for _, tok := range tokens {
		add(tok)
	}
	for _, tok := range tokens {
		for _, syn := range o.synonyms[tok] {
			add(syn)
		}
	}
	return out
}
