package document

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/sushant-115/gojolite/core/dberror"
)

// Collation orders string keys. The zero-culture collation ("" or "binary")
// compares ordinally; any other name is a BCP 47 tag optionally followed by
// "/IgnoreCase" or "/IgnoreCase,IgnoreDiacritics".
type Collation struct {
	name     string
	mu       sync.Mutex
	collator *collate.Collator
}

// BinaryCollation compares strings byte by byte.
var BinaryCollation = &Collation{name: "binary"}

// NewCollation parses a collation name.
func NewCollation(name string) (*Collation, error) {
	if name == "" || strings.EqualFold(name, "binary") {
		return BinaryCollation, nil
	}

	culture, opts, _ := strings.Cut(name, "/")
	tag, err := language.Parse(culture)
	if err != nil {
		return nil, fmt.Errorf("%w: collation %q: %v", dberror.ErrInvalidPragma, name, err)
	}

	var options []collate.Option
	if opts != "" {
		for _, o := range strings.Split(opts, ",") {
			switch strings.ToLower(strings.TrimSpace(o)) {
			case "ignorecase":
				options = append(options, collate.IgnoreCase)
			case "ignorediacritics":
				options = append(options, collate.IgnoreDiacritics)
			case "ignorewidth":
				options = append(options, collate.IgnoreWidth)
			case "numeric":
				options = append(options, collate.Numeric)
			default:
				return nil, fmt.Errorf("%w: collation option %q", dberror.ErrInvalidPragma, o)
			}
		}
	}

	return &Collation{name: name, collator: collate.New(tag, options...)}, nil
}

// Compare orders two strings. A nil receiver behaves as BinaryCollation.
func (c *Collation) Compare(a, b string) int {
	if c == nil || c.collator == nil {
		return strings.Compare(a, b)
	}
	// collate.Collator keeps internal buffers.
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collator.CompareString(a, b)
}

// IsBinary reports whether strings compare ordinally.
func (c *Collation) IsBinary() bool { return c == nil || c.collator == nil }

func (c *Collation) String() string {
	if c == nil {
		return "binary"
	}
	return c.name
}
