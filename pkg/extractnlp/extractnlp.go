// Package extractnlp is a regex-based, dependency-free entity/relation
// extractor: the "mock"/lightweight extraction model variant registered in
// the model registry, generalized from a capitalized-phrase-and-trigger-word
// heuristic into a domain-agnostic GraphRAG extraction capability.
package extractnlp

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Entity is a candidate entity mention found in text.
type Entity struct {
	Name       string
	Confidence float64
	SpanLo     int
	SpanHi     int
}

// Relation is a candidate relation between two entity mentions, by name.
type Relation struct {
	From       string
	To         string
	RelType    string
	Confidence float64
}

// relationTriggers pairs each surface pattern with the relation type it
// implies. Every pattern is matched on its own, in list order, so a phrase
// that contains a shorter listed phrase ("was founded by" contains "founded
// by") yields a relation for each of them.
var relationTriggers = []struct {
	pattern *regexp.Regexp
	relType string
}{
	{regexp.MustCompile(`(?i)\bis headquartered in\b`), "headquartered_in"},
	{regexp.MustCompile(`(?i)\bworks for\b`), "employed_by"},
	{regexp.MustCompile(`(?i)\bworks at\b`), "employed_by"},
	{regexp.MustCompile(`(?i)\bfounded by\b`), "founded_by"},
	{regexp.MustCompile(`(?i)\bwas founded by\b`), "founded_by"},
	{regexp.MustCompile(`(?i)\bacquired\b`), "acquired"},
	{regexp.MustCompile(`(?i)\bis part of\b`), "part_of"},
	{regexp.MustCompile(`(?i)\blocated in\b`), "located_in"},
	{regexp.MustCompile(`(?i)\bis a subsidiary of\b`), "subsidiary_of"},
	{regexp.MustCompile(`(?i)\bcollaborated with\b`), "collaborated_with"},
}

// properNounRun matches a run of one or more capitalized words, the simplest
// proper-noun heuristic: "Ada Lovelace", "Stripe", "San Francisco".
var properNounRun = regexp.MustCompile(`\b([A-Z][a-zA-Z0-9&'.]*(?:\s+[A-Z][a-zA-Z0-9&'.]*)*)\b`)

// stopWords are common capitalized sentence-starters that are not entities on
// their own (e.g. "The", "This"). They are stripped from the front of a
// multi-word match ("The Stripe" becomes "Stripe"), and a match left with
// only a stop word is dropped.
var stopWords = map[string]bool{
	"The": true, "This": true, "That": true, "These": true, "Those": true,
	"It": true, "They": true, "He": true, "She": true, "We": true, "I": true,
}

// ExtractEntities finds capitalized-phrase candidates in text. Confidence is
// higher for multi-word runs (more specific, less likely to be a stray
// capitalized common word).
func ExtractEntities(text string) []Entity {
	matches := properNounRun.FindAllStringIndex(text, -1)
	seen := make(map[string]bool)
	var out []Entity
	for _, m := range matches {
		lo := m[0]
		words := strings.Fields(text[lo:m[1]])
		for len(words) > 1 && stopWords[words[0]] {
			rest := text[lo+len(words[0]) : m[1]]
			lo = m[1] - len(strings.TrimLeft(rest, " \t\n\f\r"))
			words = words[1:]
		}
		name := strings.TrimSpace(text[lo:m[1]])
		if len(words) == 1 && stopWords[words[0]] {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		confidence := 0.55
		if len(words) > 1 {
			confidence = 0.55 + 0.15*float64(min(len(words)-1, 3))
		}
		out = append(out, Entity{Name: name, Confidence: confidence, SpanLo: lo, SpanHi: m[1]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpanLo < out[j].SpanLo })
	return out
}

// ExtractRelations finds trigger-phrase relations between the nearest
// entities flanking each trigger match. A relation's confidence is the mean
// of the two flanking entities' confidences.
func ExtractRelations(text string, entities []Entity) []Relation {
	var out []Relation
	for _, trig := range relationTriggers {
		for _, loc := range trig.pattern.FindAllStringIndex(text, -1) {
			from := nearestEntityBefore(entities, loc[0])
			to := nearestEntityAfter(entities, loc[1])
			if from == nil || to == nil || from.Name == to.Name {
				continue
			}
			conf := (from.Confidence + to.Confidence) / 2
			out = append(out, Relation{From: from.Name, To: to.Name, RelType: trig.relType, Confidence: conf})
		}
	}
	return out
}

func nearestEntityBefore(entities []Entity, pos int) *Entity {
	var best *Entity
	for i := range entities {
		e := &entities[i]
		if e.SpanHi <= pos && (best == nil || e.SpanHi > best.SpanHi) {
			best = e
		}
	}
	return best
}

func nearestEntityAfter(entities []Entity, pos int) *Entity {
	var best *Entity
	for i := range entities {
		e := &entities[i]
		if e.SpanLo >= pos && (best == nil || e.SpanLo < best.SpanLo) {
			best = e
		}
	}
	return best
}

// Result is the extraction output for one chunk of text.
type Result struct {
	Entities  []Entity
	Relations []Relation
}

// Extractor is the capability signature used by the job system: extraction
// is expressed as one callable, and concrete models (triplex-lite,
// glm-4-flash-lite, mock) are tagged variants behind it.
type Extractor func(text string, modelRef string) (Result, error)

// Extract is the "mock" variant: deterministic, regex-based, no external
// model calls. modelRef is accepted for signature compatibility but ignored.
func Extract(text string, modelRef string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("extractnlp: empty text")
	}
	entities := ExtractEntities(text)
	relations := ExtractRelations(text, entities)
	return Result{Entities: entities, Relations: relations}, nil
}
