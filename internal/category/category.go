// Package category assigns products to a static category schema, rolls
// small child buckets up into their parent, and shapes the result into
// an ordered facet payload for the delivery layer.
package category

import (
	"sort"
	"strings"

	"github.com/developer-mesh/chat-search-gateway/internal/observability"
)

// Node describes one entry in the static category schema.
type Node struct {
	Code     string
	Label    string
	Emoji    string
	Keywords []string
	Parent   string
	Special  bool
}

// RecommendedCode is the synthetic bucket populated from re-ranker output.
// It carries no keywords and never participates in keyword assignment.
const RecommendedCode = "recommended"

// DefaultSchema is the built-in category schema. Order matters: ties in
// keyword-match score are broken by this insertion order.
var DefaultSchema = []Node{
	{Code: RecommendedCode, Label: "Recommended", Emoji: "⭐", Special: true},
	{Code: "clothing_men", Label: "Men's Clothing", Emoji: "\U0001F454", Parent: "clothing",
		Keywords: []string{"men's", "mens", "shirt", "trousers", "suit", "tie"}},
	{Code: "clothing_women", Label: "Women's Clothing", Emoji: "\U0001F457", Parent: "clothing",
		Keywords: []string{"women's", "womens", "dress", "skirt", "blouse"}},
	{Code: "clothing_kids", Label: "Kids' Clothing", Emoji: "\U0001F9F8", Parent: "clothing",
		Keywords: []string{"kids", "children", "toddler", "baby clothes"}},
	{Code: "clothing", Label: "Clothing", Emoji: "\U0001F455", Special: true},
	{Code: "toys", Label: "Toys", Emoji: "\U0001F9F8", Keywords: []string{"toy", "doll", "lego", "puzzle", "plush"}},
	{Code: "kitchen", Label: "Kitchen", Emoji: "\U0001F373", Keywords: []string{"kitchen", "pan", "pot", "cutlery", "kettle"}},
	{Code: "home", Label: "Home & Garden", Emoji: "\U0001F3E1", Keywords: []string{"home", "garden", "furniture", "decor"}},
	{Code: "electronics", Label: "Electronics", Emoji: "\U0001F4F1", Keywords: []string{"phone", "laptop", "charger", "electronic", "cable"}},
	{Code: "footwear", Label: "Footwear", Emoji: "\U0001F45F", Keywords: []string{"shoe", "boot", "sneaker", "sandal"}},
	{Code: "beauty", Label: "Beauty & Health", Emoji: "\U0001F484", Keywords: []string{"cosmetic", "cream", "shampoo", "perfume"}},
	{Code: "sports", Label: "Sports & Outdoors", Emoji: "⚽", Keywords: []string{"sport", "fitness", "bike", "ball", "outdoor"}},
}

// Product is the minimal view of a search result the engine needs to
// score keyword matches: an identifier plus whatever free text
// describes it.
type Product struct {
	ID          string
	Title       string
	Description string
}

// Bucket is an assigned group of product ids under one schema node.
type Bucket struct {
	Node       Node
	ProductIDs []string
}

// Facet is the shaped payload entry returned to callers.
type Facet struct {
	Code    string `json:"code"`
	Label   string `json:"label"`
	Emoji   string `json:"emoji"`
	Count   int    `json:"count"`
	Special bool   `json:"special,omitempty"`
}

// Engine assigns products to categories and shapes the resulting
// facets. It is a pure, dependency-light struct carrying only a logger
// for debug tracing; all its operations are deterministic functions of
// their inputs.
type Engine struct {
	schema []Node
	byCode map[string]Node
	logger observability.Logger
}

// New builds an Engine over the given schema, or DefaultSchema when nil.
func New(schema []Node, logger observability.Logger) *Engine {
	if schema == nil {
		schema = DefaultSchema
	}
	if logger == nil {
		logger = observability.NoopLogger{}
	}
	byCode := make(map[string]Node, len(schema))
	for _, n := range schema {
		byCode[n.Code] = n
	}
	return &Engine{schema: schema, byCode: byCode, logger: logger}
}

// Lookup returns the schema node for code, or false if unknown.
func (e *Engine) Lookup(code string) (Node, bool) {
	n, ok := e.byCode[code]
	return n, ok
}

// Assign scores each non-special schema category against each product's
// concatenated, lowercased title and description, and picks the
// highest-scoring category per product. Products matching no category
// keywords are omitted from the returned buckets (they remain in the
// caller's result list, just unfaceted).
func (e *Engine) Assign(products []Product) []Bucket {
	buckets := make(map[string]*Bucket, len(e.schema))

	for _, p := range products {
		text := strings.ToLower(p.Title + " " + p.Description)

		var best Node
		bestScore := 0
		matched := false
		for _, n := range e.schema {
			if n.Special {
				continue
			}
			score := keywordScore(text, n.Keywords)
			if score > bestScore {
				bestScore = score
				best = n
				matched = true
			}
		}

		if !matched {
			continue
		}

		b, ok := buckets[best.Code]
		if !ok {
			b = &Bucket{Node: best}
			buckets[best.Code] = b
		}
		b.ProductIDs = append(b.ProductIDs, p.ID)
	}

	e.logger.Debug("assigned products to categories", map[string]interface{}{
		"products": len(products),
		"buckets":  len(buckets),
	})

	return e.orderedBuckets(buckets)
}

func keywordScore(text string, keywords []string) int {
	score := 0
	for _, kw := range keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			score++
		}
	}
	return score
}

// orderedBuckets returns the bucket map in schema insertion order, so
// the output order is deterministic.
func (e *Engine) orderedBuckets(buckets map[string]*Bucket) []Bucket {
	out := make([]Bucket, 0, len(buckets))
	for _, n := range e.schema {
		if b, ok := buckets[n.Code]; ok {
			out = append(out, *b)
		}
	}
	return out
}

// RollUp merges a parent's children into the parent when the children
// collectively hold at least 3 products and more products than the
// parent itself, then drops the child buckets. This keeps facets from
// fragmenting into many near-empty leaf categories.
func (e *Engine) RollUp(buckets []Bucket) []Bucket {
	byCode := make(map[string]int, len(buckets))
	for i, b := range buckets {
		byCode[b.Node.Code] = i
	}

	childrenOf := make(map[string][]int)
	for i, b := range buckets {
		if b.Node.Parent != "" {
			childrenOf[b.Node.Parent] = append(childrenOf[b.Node.Parent], i)
		}
	}

	var dropped = make(map[int]bool)
	for parentCode, childIdxs := range childrenOf {
		parentIdx, parentExists := byCode[parentCode]

		childTotal := 0
		for _, ci := range childIdxs {
			childTotal += len(buckets[ci].ProductIDs)
		}

		parentCount := 0
		if parentExists {
			parentCount = len(buckets[parentIdx].ProductIDs)
		}

		if childTotal < 3 || childTotal <= parentCount {
			continue
		}

		if !parentExists {
			parentNode, ok := e.byCode[parentCode]
			if !ok {
				continue
			}
			buckets = append(buckets, Bucket{Node: parentNode})
			parentIdx = len(buckets) - 1
			byCode[parentCode] = parentIdx
		}

		merged := append([]string{}, buckets[parentIdx].ProductIDs...)
		for _, ci := range childIdxs {
			merged = append(merged, buckets[ci].ProductIDs...)
			dropped[ci] = true
		}
		buckets[parentIdx].ProductIDs = merged
	}

	out := make([]Bucket, 0, len(buckets))
	for i, b := range buckets {
		if !dropped[i] {
			out = append(out, b)
		}
	}
	return out
}

// Shape produces the ordered facet payload: the recommended bucket
// first if present, then the rest sorted by count descending.
func Shape(buckets []Bucket) []Facet {
	var recommended *Facet
	rest := make([]Facet, 0, len(buckets))

	for _, b := range buckets {
		f := Facet{
			Code:    b.Node.Code,
			Label:   b.Node.Label,
			Emoji:   b.Node.Emoji,
			Count:   len(b.ProductIDs),
			Special: b.Node.Special,
		}
		if f.Code == RecommendedCode {
			rc := f
			recommended = &rc
			continue
		}
		rest = append(rest, f)
	}

	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].Count > rest[j].Count
	})

	if recommended == nil {
		return rest
	}
	return append([]Facet{*recommended}, rest...)
}
