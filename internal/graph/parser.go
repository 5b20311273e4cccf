package graph

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ml-rust/venus/internal/venuserr"
)

const cellMarker = "#[venus::cell]"

// CellParser extracts cells and markdown regions from notebook source.
//
// It is a small hand-written scanner over the target language's surface
// syntax (doc comments, the `#[venus::cell]` marker, and `fn` signatures).
// It never attempts a full parse of the target language's grammar — only
// enough structure to recover cell boundaries, matching the contract in
// §4.1: cells are recovered by parsing the source file, not via a compiler
// plugin.
type CellParser struct{}

// NewCellParser constructs a CellParser.
func NewCellParser() *CellParser {
	return &CellParser{}
}

// Parse scans source text and returns the ordered cells and markdown
// regions it finds. It never silently drops a cell: a cell marker with a
// malformed signature or an unterminated body produces a *venuserr.ParseError.
func (p *CellParser) Parse(source string) (*ParseResult, error) {
	lines := strings.Split(source, "\n")

	result := &ParseResult{}
	nextID := CellID(0)

	moduleDocEnd := -1
	var moduleDocLines []string
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//!") {
			moduleDocLines = append(moduleDocLines, strings.TrimPrefix(trimmed, "//!"))
			moduleDocEnd = i
			continue
		}
		if trimmed == "" && moduleDocEnd >= 0 {
			continue
		}
		break
	}
	if len(moduleDocLines) > 0 {
		result.Markdown = append(result.Markdown, MarkdownRegion{
			Text:      joinDoc(moduleDocLines),
			Span:      SourceSpan{StartLine: 1, EndLine: moduleDocEnd + 1},
			ModuleDoc: true,
		})
	}

	i := 0
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])

		if strings.HasPrefix(trimmed, "///") {
			docStart := i
			var doc []string
			for i < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i]), "///") {
				doc = append(doc, strings.TrimPrefix(strings.TrimSpace(lines[i]), "///"))
				i++
			}

			// Skip blank lines and non-cell attributes between the doc
			// block and the cell marker (e.g. #[derive(...)] on a type).
			markerLine := -1
			for j := i; j < len(lines) && j < i+5; j++ {
				t := strings.TrimSpace(lines[j])
				if t == cellMarker {
					markerLine = j
					break
				}
				if t == "" || strings.HasPrefix(t, "#[") {
					continue
				}
				break
			}

			if markerLine < 0 {
				// Doc block not attached to a cell: record as interstitial
				// markdown and move on.
				result.Markdown = append(result.Markdown, MarkdownRegion{
					Text:      joinDoc(doc),
					Span:      SourceSpan{StartLine: docStart + 1, EndLine: i},
					ModuleDoc: false,
				})
				continue
			}

			cell, newIdx, err := p.parseCell(lines, markerLine+1, doc, docStart+1)
			if err != nil {
				return nil, err
			}
			cell.ID = nextID
			nextID++
			result.Cells = append(result.Cells, *cell)
			i = newIdx
			continue
		}

		if trimmed == cellMarker {
			cell, newIdx, err := p.parseCell(lines, i+1, nil, i+1)
			if err != nil {
				return nil, err
			}
			cell.ID = nextID
			nextID++
			result.Cells = append(result.Cells, *cell)
			i = newIdx
			continue
		}

		i++
	}

	log.Debug().Int("cells", len(result.Cells)).Int("markdown_regions", len(result.Markdown)).Msg("notebook parsed")

	return result, nil
}

// parseCell parses a `fn` signature starting at lines[sigLine] and returns
// the populated CellInfo plus the line index just past the closing brace.
func (p *CellParser) parseCell(lines []string, sigLine int, doc []string, docStartLine int) (*CellInfo, int, error) {
	for sigLine < len(lines) && strings.TrimSpace(lines[sigLine]) == "" {
		sigLine++
	}
	if sigLine >= len(lines) {
		return nil, 0, &venuserr.ParseError{Line: docStartLine, Message: "cell marker not followed by a function"}
	}

	// Collect the full signature, which may span multiple lines up to the
	// opening '{'.
	var sigBuilder strings.Builder
	braceLine := -1
	braceCol := -1
	for j := sigLine; j < len(lines); j++ {
		sigBuilder.WriteString(lines[j])
		sigBuilder.WriteByte('\n')
		if idx := strings.IndexByte(lines[j], '{'); idx >= 0 {
			braceLine = j
			braceCol = idx
			break
		}
		if j-sigLine > 20 {
			break
		}
	}
	if braceLine < 0 {
		return nil, 0, &venuserr.ParseError{Line: sigLine + 1, Message: "function signature missing opening brace"}
	}
	signature := sigBuilder.String()

	fnIdx := strings.Index(signature, "fn ")
	if fnIdx < 0 {
		return nil, 0, &venuserr.ParseError{Line: sigLine + 1, Message: "expected 'fn' after cell marker"}
	}
	rest := signature[fnIdx+3:]

	parenIdx := strings.IndexByte(rest, '(')
	if parenIdx < 0 {
		return nil, 0, &venuserr.ParseError{Line: sigLine + 1, Message: "expected '(' in function signature"}
	}
	name := strings.TrimSpace(rest[:parenIdx])

	paramsEnd := matchingParen(rest, parenIdx)
	if paramsEnd < 0 {
		return nil, 0, &venuserr.ParseError{Line: sigLine + 1, Message: "unbalanced parentheses in function signature"}
	}
	paramsSrc := rest[parenIdx+1 : paramsEnd]

	deps, err := parseParams(paramsSrc)
	if err != nil {
		return nil, 0, &venuserr.ParseError{Line: sigLine + 1, Message: err.Error()}
	}

	after := rest[paramsEnd+1:]
	returnType := "()"
	if arrowIdx := strings.Index(after, "->"); arrowIdx >= 0 {
		braceIdx := strings.IndexByte(after, '{')
		rt := after[arrowIdx+2 : braceIdx]
		returnType = normalizeType(rt)
	}

	// Find the matching closing brace across the full remaining source,
	// tracking string literals so braces inside strings don't confuse
	// depth tracking.
	bodyStartLine := braceLine
	bodyStartCol := braceCol
	endLine, endCol, ok := matchBraceAcrossLines(lines, bodyStartLine, bodyStartCol)
	if !ok {
		return nil, 0, &venuserr.ParseError{Line: bodyStartLine + 1, Message: "unterminated function body"}
	}

	var bodyBuilder strings.Builder
	if bodyStartLine == endLine {
		bodyBuilder.WriteString(lines[bodyStartLine][bodyStartCol : endCol+1])
	} else {
		bodyBuilder.WriteString(lines[bodyStartLine][bodyStartCol:])
		bodyBuilder.WriteByte('\n')
		for l := bodyStartLine + 1; l < endLine; l++ {
			bodyBuilder.WriteString(lines[l])
			bodyBuilder.WriteByte('\n')
		}
		bodyBuilder.WriteString(lines[endLine][:endCol+1])
	}

	docText := joinDoc(doc)
	display := firstHeading(doc)
	if display == "" {
		display = name
	}

	cell := &CellInfo{
		SourceName:   name,
		DisplayName:  display,
		Doc:          docText,
		Span:         SourceSpan{StartLine: docStartLine, EndLine: endLine + 1},
		Dependencies: deps,
		ReturnType:   returnType,
		Body:         bodyBuilder.String(),
	}

	return cell, endLine + 1, nil
}

// parseParams splits a parameter list on top-level commas (respecting
// nested angle-bracket generics) and extracts one Dependency per parameter.
func parseParams(src string) ([]Dependency, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}

	parts := splitTopLevel(src, ',')
	deps := make([]Dependency, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		colonIdx := strings.IndexByte(part, ':')
		if colonIdx < 0 {
			return nil, &venuserr.ParseError{Message: "parameter missing type annotation: " + part}
		}
		paramName := strings.TrimSpace(part[:colonIdx])
		paramType := normalizeType(unwrapBorrow(strings.TrimSpace(part[colonIdx+1:])))
		deps = append(deps, Dependency{Parameter: paramName, DeclaredType: paramType})
	}
	return deps, nil
}

// unwrapBorrow strips a single outer borrow (`&` or `&mut `) as required by
// §4.1: the producer's return type is matched against the parameter's
// element type, not its reference form.
func unwrapBorrow(t string) string {
	t = strings.TrimSpace(t)
	if strings.HasPrefix(t, "&mut ") {
		return strings.TrimSpace(t[5:])
	}
	if strings.HasPrefix(t, "&") {
		return strings.TrimSpace(t[1:])
	}
	return t
}

// normalizeType collapses whitespace; it performs no alias resolution since
// matching is purely textual.
func normalizeType(t string) string {
	fields := strings.Fields(t)
	return strings.Join(fields, " ")
}

func joinDoc(lines []string) string {
	trimmed := make([]string, len(lines))
	for i, l := range lines {
		trimmed[i] = strings.TrimPrefix(l, " ")
	}
	return strings.TrimSpace(strings.Join(trimmed, "\n"))
}

// firstHeading returns the text of the first markdown `# heading` line in a
// doc block, or "" if none is present.
func firstHeading(doc []string) string {
	for _, l := range doc {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(t, "# "))
		}
	}
	return ""
}

// matchingParen returns the index of the ')' matching the '(' at openIdx.
func matchingParen(s string, openIdx int) int {
	depth := 0
	for i := openIdx; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits s on sep, ignoring occurrences nested inside angle
// brackets or parentheses (so `Vec<i32>, x: Foo` splits correctly).
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<', '(', '[':
			depth++
		case '>', ')', ']':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// matchBraceAcrossLines finds the line/col of the brace matching the '{' at
// (startLine, startCol), skipping braces that appear inside string or char
// literals.
func matchBraceAcrossLines(lines []string, startLine, startCol int) (int, int, bool) {
	depth := 0
	inString := false
	inChar := false
	escape := false

	for l := startLine; l < len(lines); l++ {
		line := lines[l]
		from := 0
		if l == startLine {
			from = startCol
		}
		for c := from; c < len(line); c++ {
			ch := line[c]
			if escape {
				escape = false
				continue
			}
			if inString {
				if ch == '\\' {
					escape = true
				} else if ch == '"' {
					inString = false
				}
				continue
			}
			if inChar {
				if ch == '\\' {
					escape = true
				} else if ch == '\'' {
					inChar = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case '\'':
				inChar = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return l, c, true
				}
			}
		}
	}
	return 0, 0, false
}
