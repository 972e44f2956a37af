// Package format turns model output written in Markdown into plain text that
// reads well in chat clients without Markdown support.
package format

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var (
	md         = goldmark.New()
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// PlainText strips Markdown markup. Paragraphs stay separated by a blank
// line, list items keep a "- " or "N. " marker and code is kept verbatim.
func PlainText(markdown string) string {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	r := &renderer{src: src}
	r.blocks(doc, "")
	out := blankLines.ReplaceAllString(r.b.String(), "\n\n")
	return strings.TrimSpace(out)
}

type renderer struct {
	src []byte
	b   strings.Builder
}

func (r *renderer) blocks(parent ast.Node, indent string) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		r.block(n, indent)
	}
}

func (r *renderer) block(n ast.Node, indent string) {
	switch n := n.(type) {
	case *ast.Paragraph, *ast.Heading:
		r.b.WriteString(indent)
		r.inline(n)
		r.b.WriteString("\n\n")
	case *ast.TextBlock:
		r.b.WriteString(indent)
		r.inline(n)
		r.b.WriteString("\n")
	case *ast.List:
		r.list(n, indent)
		if indent == "" {
			r.b.WriteString("\n")
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			r.b.WriteString(indent)
			r.b.Write(seg.Value(r.src))
		}
		r.b.WriteString("\n")
	case *ast.ThematicBreak:
		r.b.WriteString("\n")
	default:
		r.blocks(n, indent)
	}
}

func (r *renderer) list(l *ast.List, indent string) {
	num := l.Start
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if l.IsOrdered() {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}
		r.b.WriteString(indent + marker)
		first := true
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if first {
				// The first block continues the marker line.
				r.block(c, "")
				first = false
				continue
			}
			r.block(c, indent+"  ")
		}
	}
}

func (r *renderer) inline(parent ast.Node) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch n := n.(type) {
		case *ast.Text:
			r.b.Write(n.Segment.Value(r.src))
			if n.SoftLineBreak() || n.HardLineBreak() {
				r.b.WriteString("\n")
			}
		case *ast.String:
			r.b.Write(n.Value)
		case *ast.AutoLink:
			r.b.Write(n.URL(r.src))
		case *ast.Link:
			start := r.b.Len()
			r.inline(n)
			label := r.b.String()[start:]
			if dest := string(n.Destination); dest != "" && dest != label {
				r.b.WriteString(" (" + dest + ")")
			}
		case *ast.RawHTML:
		default:
			r.inline(n)
		}
	}
}
