// Package knowledge is the patient education lookup the virtual assistant
// grounds its answers on. The service never writes it.
package knowledge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed base.yaml
var bundled []byte

type Category string

const (
	Medications Category = "medications"
	Procedures  Category = "procedures"
	Conditions  Category = "conditions"
	Lifestyle   Category = "lifestyle"
)

type Entry struct {
	Category Category `yaml:"category" json:"category"`
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"-"`
	Facts    []string `yaml:"facts" json:"facts"`
}

// Brief renders the entry as one prompt line.
func (e Entry) Brief() string {
	return fmt.Sprintf("%s (%s): %s", e.Name, e.Category, strings.Join(e.Facts, "; "))
}

// Base holds entries in file order.
type Base struct {
	entries []Entry
}

// Load reads path, or the bundled entries when path is empty.
func Load(path string) (*Base, error) {
	data := bundled
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read knowledge file: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (*Base, error) {
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse knowledge: %w", err)
	}
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		switch e.Category {
		case Medications, Procedures, Conditions, Lifestyle:
		default:
			return nil, fmt.Errorf("parse knowledge: entry %d has unknown category %q", i, e.Category)
		}
		if strings.TrimSpace(e.Name) == "" || len(e.Keywords) == 0 {
			return nil, fmt.Errorf("parse knowledge: entry %d needs a name and keywords", i)
		}
		key := strings.ToLower(e.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("parse knowledge: duplicate entry %s", e.Name)
		}
		seen[key] = struct{}{}
		for j, k := range e.Keywords {
			entries[i].Keywords[j] = strings.ToLower(strings.TrimSpace(k))
		}
	}
	return &Base{entries: entries}, nil
}

// Lookup returns up to limit entries with a keyword in text, in file
// order. Keywords match whole words only, so "echo" does not match
// "echoing". A limit of zero or less means no limit.
func (b *Base) Lookup(text string, limit int) []Entry {
	if b == nil {
		return nil
	}
	padded := " " + normalize(text) + " "
	var out []Entry
	for _, e := range b.entries {
		for _, k := range e.Keywords {
			if strings.Contains(padded, " "+normalize(k)+" ") {
				out = append(out, e)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (b *Base) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// normalize lowercases s and turns punctuation into single spaces.
func normalize(s string) string {
	f := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(f, " ")
}
