// Package reference implements the delimited product_reference format
// shared by cart rows, shipment rows and Stripe checkout metadata.
//
// A raw value is a ";"-separated list of segments. Each segment is one of:
//
//	prod_xxx                    bare Stripe product id
//	ref**qty(description)       explicit quantity, optional description
//	ref**qty@unused(description)
//	ref(description)
//	ref@qty
//
// When every non-empty segment is a bare prod_ id, the value is treated as
// the legacy count-by-id encoding: quantity is the number of occurrences.
package reference

import (
	"strconv"
	"strings"
)

// LineItem is one parsed product line.
type LineItem struct {
	Reference   string
	Quantity    int
	Description string
}

// Parse decodes a raw product_reference value. Blank input yields an empty
// list; there is no other failure mode.
func Parse(raw string) []LineItem {
	var segments []string
	for _, seg := range strings.Split(raw, ";") {
		seg = strings.TrimSpace(seg)
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return []LineItem{}
	}

	if allBareProductIDs(segments) {
		return countByID(segments)
	}

	items := make([]LineItem, 0, len(segments))
	for _, seg := range segments {
		items = append(items, parseSegment(seg))
	}
	return merge(items)
}

// Encode is the inverse of Parse for explicit-quantity segments.
func Encode(items []LineItem) string {
	segments := make([]string, 0, len(items))
	for _, item := range items {
		if item.Reference == "" {
			continue
		}
		seg := item.Reference + "**" + strconv.Itoa(normalizeQuantity(item.Quantity))
		if item.Description != "" {
			seg += "(" + item.Description + ")"
		}
		segments = append(segments, seg)
	}
	return strings.Join(segments, ";")
}

func allBareProductIDs(segments []string) bool {
	for _, seg := range segments {
		if !strings.HasPrefix(seg, "prod_") {
			return false
		}
		if strings.ContainsAny(seg, "*@(") {
			return false
		}
	}
	return true
}

// countByID merges duplicate bare ids by occurrence count, preserving
// first-seen order. The legacy encoding predates explicit quantities.
func countByID(segments []string) []LineItem {
	index := make(map[string]int, len(segments))
	items := make([]LineItem, 0, len(segments))
	for _, id := range segments {
		if i, ok := index[id]; ok {
			items[i].Quantity++
			continue
		}
		index[id] = len(items)
		items = append(items, LineItem{Reference: id, Quantity: 1})
	}
	return items
}

func parseSegment(seg string) LineItem {
	description := ""
	if open := strings.Index(seg, "("); open >= 0 && strings.HasSuffix(seg, ")") {
		description = seg[open+1 : len(seg)-1]
		seg = strings.TrimRight(seg[:open], " ")
	}

	quantity := 1
	switch {
	case strings.Contains(seg, "**"):
		parts := strings.SplitN(seg, "**", 2)
		seg = parts[0]
		qtyPart := parts[1]
		if at := strings.Index(qtyPart, "@"); at >= 0 {
			qtyPart = qtyPart[:at]
		}
		quantity = parseQuantity(qtyPart)
	case strings.Contains(seg, "@"):
		parts := strings.SplitN(seg, "@", 2)
		seg = parts[0]
		quantity = parseQuantity(parts[1])
	}

	return LineItem{
		Reference:   strings.TrimSpace(seg),
		Quantity:    quantity,
		Description: strings.TrimSpace(description),
	}
}

// merge sums quantities of repeated references; the first non-empty
// description wins.
func merge(items []LineItem) []LineItem {
	index := make(map[string]int, len(items))
	merged := make([]LineItem, 0, len(items))
	for _, item := range items {
		if item.Reference == "" {
			continue
		}
		if i, ok := index[item.Reference]; ok {
			merged[i].Quantity += item.Quantity
			if merged[i].Description == "" && item.Description != "" {
				merged[i].Description = item.Description
			}
			continue
		}
		index[item.Reference] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

func parseQuantity(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func normalizeQuantity(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
