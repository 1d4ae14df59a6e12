package main

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// normalizeTags canonicalizes raw tag input: tokens are split on
// whitespace, lower-cased, deduplicated, and returned sorted. The sorted
// order is what makes deriveTagKey independent of input order.
func normalizeTags(raw ...string) []string {
	seen := make(map[string]struct{})
	tags := make([]string, 0, len(raw))
	for _, chunk := range raw {
		for _, tok := range strings.Fields(chunk) {
			tag := strings.ToLower(strings.TrimSpace(tok))
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// deriveTagKey maps a normalized tag set to a fixed-length cache key.
// Tags are joined with a space, which strings.Fields guarantees can never
// appear inside a normalized tag, so distinct tag sets never concatenate
// to the same string.
func deriveTagKey(tags []string) string {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, " ")))
	return hex.EncodeToString(sum[:])
}

func mergeTagSets(a, b []string) []string {
	return normalizeTags(strings.Join(a, " "), strings.Join(b, " "))
}
