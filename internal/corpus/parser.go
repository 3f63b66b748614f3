// Package corpus parses a human-maintained markdown reference corpus into
// (lens, pole, examples) groups ready for embedding and indexing.
package corpus

import (
	"bufio"
	"fmt"
	"strings"

	"lensvault/internal/logging"
)

// Pole is one of the two directions of a lens.
type Pole string

const (
	PolePositive Pole = "positive"
	PoleNegative Pole = "negative"
)

// Group is a parsed (lens, pole, examples) bundle.
type Group struct {
	Lens     string
	Pole     Pole
	Examples []string
}

// ErrorKind distinguishes corpus parse failures (§7: CorpusParseError).
type ErrorKind int

const (
	KindUnclosedFence ErrorKind = iota
)

// ParseError is returned for hard parse failures. Underpopulated lenses are
// not parse errors; they are reported via Warnings on a successful Parse.
type ParseError struct {
	Kind ErrorKind
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("corpus parse error at line %d: %s", e.Line, e.Msg)
}

// Warning reports a non-fatal condition discovered while parsing, such as a
// lens missing examples in one of its poles.
type Warning struct {
	Lens string
	Msg  string
}

// Result is the outcome of a successful Parse: the groups plus any
// warnings collected along the way.
type Result struct {
	Groups   []Group
	Warnings []Warning
}

type parseState int

const (
	stateLookingForLens parseState = iota
	stateInLensNoPole
	stateInPole
)

// Parse implements the grammar in spec §4.1: top-level "## lens" sections,
// nested "### POSITIVE"/"### NEGATIVE" subsections (case-insensitive),
// fenced-block or paragraph examples, and a preamble before the first "##"
// that is ignored. A top-level "#" heading closes the corpus scope.
func Parse(text string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryCorpus, "Parse")
	defer timer.Stop()

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	result := &Result{}
	state := stateLookingForLens

	var currentLens string
	var currentPole Pole
	var groups = map[string]*Group{} // keyed by lens|pole, preserves insertion via order slice
	var order []string

	var paragraph []string
	var inFence bool
	var fenceStartLine int
	var fenceLines []string

	lineNo := 0
	flushParagraph := func() {
		if len(paragraph) == 0 {
			return
		}
		text := strings.TrimSpace(strings.Join(paragraph, " "))
		paragraph = nil
		if text == "" {
			return
		}
		appendExample(groups, &order, currentLens, currentPole, text)
	}

lines:
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if inFence {
			if strings.HasPrefix(trimmed, "```") {
				inFence = false
				example := strings.TrimSpace(strings.Join(fenceLines, "\n"))
				fenceLines = nil
				if example != "" {
					appendExample(groups, &order, currentLens, currentPole, example)
				}
				continue
			}
			fenceLines = append(fenceLines, line)
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "```"):
			flushParagraph()
			inFence = true
			fenceStartLine = lineNo
			fenceLines = nil
			continue

		case strings.HasPrefix(trimmed, "## "):
			flushParagraph()
			currentLens = strings.ToLower(strings.TrimSpace(trimmed[3:]))
			currentPole = ""
			state = stateInLensNoPole
			continue

		case strings.HasPrefix(trimmed, "### "):
			flushParagraph()
			heading := strings.ToUpper(strings.TrimSpace(trimmed[4:]))
			switch heading {
			case "POSITIVE":
				currentPole = PolePositive
				state = stateInPole
			case "NEGATIVE":
				currentPole = PoleNegative
				state = stateInPole
			default:
				// unrecognized subsection heading; ignore its content by
				// clearing the pole so examples aren't misattributed.
				currentPole = ""
				state = stateInLensNoPole
			}
			continue

		case strings.HasPrefix(trimmed, "# "):
			flushParagraph()
			break lines

		case trimmed == "":
			flushParagraph()
			continue

		default:
			if state == stateInPole {
				paragraph = append(paragraph, trimmed)
			}
			// text outside a pole subsection (preamble, or lens body before
			// any ### heading) is ignored per §4.1.
		}
	}

	if inFence {
		return nil, &ParseError{Kind: KindUnclosedFence, Line: fenceStartLine, Msg: "unclosed fenced code block"}
	}
	flushParagraph()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan corpus: %w", err)
	}

	for _, key := range order {
		g := groups[key]
		result.Groups = append(result.Groups, *g)
	}

	result.Warnings = underpopulationWarnings(result.Groups)
	for _, w := range result.Warnings {
		logging.CorpusWarn("lens %s: %s", w.Lens, w.Msg)
	}

	logging.Corpus("Parse: %d groups across %d lenses, %d warnings", len(result.Groups), countLenses(result.Groups), len(result.Warnings))
	return result, nil
}

func appendExample(groups map[string]*Group, order *[]string, lens string, pole Pole, example string) {
	if lens == "" || pole == "" {
		return
	}
	key := lens + "|" + string(pole)
	g, ok := groups[key]
	if !ok {
		g = &Group{Lens: lens, Pole: pole}
		groups[key] = g
		*order = append(*order, key)
	}
	g.Examples = append(g.Examples, example)
}

// underpopulationWarnings reports lenses missing at least one example in
// either pole (§4.1: "a lens with fewer than one example in either pole is
// reported as a warning and excluded from the bake").
func underpopulationWarnings(groups []Group) []Warning {
	counts := map[string]map[Pole]int{}
	for _, g := range groups {
		if counts[g.Lens] == nil {
			counts[g.Lens] = map[Pole]int{}
		}
		counts[g.Lens][g.Pole] += len(g.Examples)
	}

	var warnings []Warning
	for lens, poles := range counts {
		if poles[PolePositive] < 1 {
			warnings = append(warnings, Warning{Lens: lens, Msg: "no positive examples; lens excluded from bake"})
		}
		if poles[PoleNegative] < 1 {
			warnings = append(warnings, Warning{Lens: lens, Msg: "no negative examples; lens excluded from bake"})
		}
	}
	return warnings
}

func countLenses(groups []Group) int {
	seen := map[string]bool{}
	for _, g := range groups {
		seen[g.Lens] = true
	}
	return len(seen)
}

// Viable returns only the groups belonging to lenses with at least one
// example in both poles, suitable for feeding directly into the baker.
func (r *Result) Viable() []Group {
	excluded := map[string]bool{}
	for _, w := range r.Warnings {
		excluded[w.Lens] = true
	}
	var out []Group
	for _, g := range r.Groups {
		if !excluded[g.Lens] {
			out = append(out, g)
		}
	}
	return out
}
