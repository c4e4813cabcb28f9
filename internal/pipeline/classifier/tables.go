package classifier

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
)

//go:embed programs.yaml
var defaultTablesYAML []byte

// Rule describes when an event belongs to one category.
type Rule struct {
	// Programs maps program address to platform name.
	Programs map[string]string `yaml:"programs"`
	Sources  []string          `yaml:"sources"`
	Types    []string          `yaml:"types"`
}

// Tables holds one rule per category.
type Tables struct {
	NFTBid      Rule `yaml:"nft_bid"`
	NFTPrice    Rule `yaml:"nft_price"`
	TokenPrice  Rule `yaml:"token_price"`
	LendingRate Rule `yaml:"lending_rate"`
}

// DefaultTables returns the built-in program tables.
func DefaultTables() *Tables {
	t, err := ParseTables(defaultTablesYAML)
	if err != nil {
		panic(fmt.Sprintf("classifier: embedded program tables: %v", err))
	}
	return t
}

// LoadTables reads program tables from a YAML file. An empty path yields the
// built-in tables.
func LoadTables(path string) (*Tables, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTables(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program tables %s: %w", path, err)
	}
	return ParseTables(data)
}

func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse program tables: %w", err)
	}
	for _, c := range model.AllCategories {
		r := t.Rule(c)
		if len(r.Programs) == 0 && len(r.Sources) == 0 {
			return nil, fmt.Errorf("program tables: category %s has no programs or sources", c)
		}
		r.normalize()
	}
	return &t, nil
}

// Rule returns the rule of category c.
func (t *Tables) Rule(c model.Category) *Rule {
	switch c {
	case model.CategoryNFTBid:
		return &t.NFTBid
	case model.CategoryNFTPrice:
		return &t.NFTPrice
	case model.CategoryTokenPrice:
		return &t.TokenPrice
	case model.CategoryLendingRate:
		return &t.LendingRate
	}
	return nil
}

func (r *Rule) normalize() {
	for i, s := range r.Sources {
		r.Sources[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, s := range r.Types {
		r.Types[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

func (r *Rule) acceptsType(typ string) bool {
	if len(r.Types) == 0 {
		return true
	}
	typ = strings.ToUpper(typ)
	for _, t := range r.Types {
		if t == typ {
			return true
		}
	}
	return false
}

func (r *Rule) knownSource(src string) bool {
	src = strings.ToUpper(src)
	for _, s := range r.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// program returns the first table program the envelope touches.
func (r *Rule) program(env model.EventEnvelope) (address, name string, ok bool) {
	for _, a := range env.TouchedAccounts {
		if n, found := r.Programs[a]; found {
			return a, n, true
		}
	}
	return "", "", false
}

func (r *Rule) matches(env model.EventEnvelope) bool {
	if !r.acceptsType(env.Type) {
		return false
	}
	if _, _, ok := r.program(env); ok {
		return true
	}
	return env.Source != "" && r.knownSource(env.Source)
}

// platform names the venue of env: the touched program's name, else the
// provider source in lower case.
func (r *Rule) platform(env model.EventEnvelope) string {
	if _, name, ok := r.program(env); ok {
		return name
	}
	return strings.ToLower(env.Source)
}
