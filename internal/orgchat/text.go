// ABOUTME: Text normalization shared by search and indexing
// ABOUTME: Strips markdown to plain text with goldmark and folds width and case with x/text

package orgchat

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

var markdownParser = goldmark.New().Parser()

// PlainText renders markdown content as plain text: emphasis, links and
// code markers are dropped while their text is kept.
func PlainText(markdown string) string {
	src := []byte(markdown)
	doc := markdownParser.Parse(gtext.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.AutoLink:
			b.Write(node.URL(src))
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(b.String())
}

// Normalize folds full-width forms and case so searches compare like with like.
func Normalize(s string) string {
	return cases.Fold().String(width.Fold.String(s))
}
