package server

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	trawl "github.com/nevindra/trawl"
)

var (
	footnoteRefPattern = regexp.MustCompile(`\[\^(\d+)\]`)
	footnoteDefPattern = regexp.MustCompile(`(?m)^\[\^(\d+)\]:[^\n]*\n?`)
)

var mdParser = goldmark.New(goldmark.WithExtensions(extension.Footnote))

// RepairMarkdown fixes the footnote apparatus of a final answer: dangling
// footnote references (cited but never defined) are either backed by the
// matching reference entry or removed, unused definitions are dropped, and
// the definition list is rebuilt sorted at the end of the document.
func RepairMarkdown(answer string, refs []trawl.Reference) string {
	if strings.TrimSpace(answer) == "" {
		return answer
	}

	used, defined := footnoteIndexes(answer)
	if len(used) == 0 && len(defined) == 0 {
		return answer
	}

	// Capture existing definition text before stripping the lines.
	defText := make(map[int]string)
	for _, m := range footnoteDefPattern.FindAllStringSubmatch(answer, -1) {
		var idx int
		fmt.Sscanf(m[1], "%d", &idx)
		defText[idx] = strings.TrimSpace(m[0])
	}
	body := footnoteDefPattern.ReplaceAllString(answer, "")

	// Drop references that cannot be resolved: no definition and no matching
	// reference entry to synthesize one from.
	body = footnoteRefPattern.ReplaceAllStringFunc(body, func(s string) string {
		var idx int
		fmt.Sscanf(s, "[^%d]", &idx)
		if defined[idx] || (idx >= 1 && idx <= len(refs)) {
			return s
		}
		return ""
	})

	// Rebuild the definition list for everything still referenced.
	stillUsed, _ := footnoteIndexes(body)
	if len(stillUsed) == 0 {
		return strings.TrimSpace(body)
	}
	indexes := make([]int, 0, len(stillUsed))
	for idx := range stillUsed {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var defs strings.Builder
	for _, idx := range indexes {
		if idx >= 1 && idx <= len(refs) {
			ref := refs[idx-1]
			if ref.Title != "" {
				fmt.Fprintf(&defs, "[^%d]: [%s](%s)\n", idx, ref.Title, ref.URL)
			} else {
				fmt.Fprintf(&defs, "[^%d]: %s\n", idx, ref.URL)
			}
			continue
		}
		if t, ok := defText[idx]; ok {
			defs.WriteString(t)
			defs.WriteByte('\n')
		}
	}
	return strings.TrimSpace(body) + "\n\n" + strings.TrimSpace(defs.String())
}

// footnoteIndexes returns the numeric footnote labels referenced in the text
// and the labels carrying a definition. Definitions come from the parsed
// AST; references are matched textually because the parser drops dangling
// reference nodes entirely.
func footnoteIndexes(source string) (used, defined map[int]bool) {
	used = make(map[int]bool)
	defined = make(map[int]bool)

	doc := mdParser.Parser().Parse(text.NewReader([]byte(source)))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if fn, ok := n.(*extast.Footnote); ok {
			var idx int
			if _, err := fmt.Sscanf(string(fn.Ref), "%d", &idx); err == nil {
				defined[idx] = true
			}
		}
		return ast.WalkContinue, nil
	})

	// Definition lines match the reference pattern too; count references on
	// the definition-stripped text only.
	stripped := footnoteDefPattern.ReplaceAllString(source, "")
	for _, m := range footnoteRefPattern.FindAllStringSubmatch(stripped, -1) {
		var idx int
		fmt.Sscanf(m[1], "%d", &idx)
		used[idx] = true
	}
	return used, defined
}
