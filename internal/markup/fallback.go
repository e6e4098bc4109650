// internal/markup/fallback.go
package markup

import (
	"strings"

	"docgen/internal/models"
	"docgen/internal/script"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const defaultTitle = "Document"

// FallbackBody is the deterministic body used whenever the AI stage is
// skipped or fails. The prompt is embedded verbatim, one paragraph per
// blank-line separated block.
func FallbackBody(prompt string, brand models.BrandContext, profile script.Profile) string {
	title := strings.TrimSpace(brand.CompanyName)
	if title == "" {
		title = defaultTitle
	}

	header := element(atom.Header, attr("class", "doc-header"))
	header.AppendChild(textElement(atom.H1, title))

	content := element(atom.Section,
		attr("class", "doc-content"),
		attr("dir", string(directionOf(profile))),
	)
	for _, block := range paragraphs(prompt) {
		p := element(atom.P)
		lines := strings.Split(block, "\n")
		for i, line := range lines {
			if i > 0 {
				p.AppendChild(element(atom.Br))
			}
			p.AppendChild(&html.Node{Type: html.TextNode, Data: line})
		}
		content.AppendChild(p)
	}

	return render(header, content)
}

// PreservedSection reproduces right-to-left runs dropped by the model.
func PreservedSection(runs []string, profile script.Profile) string {
	if len(runs) == 0 {
		return ""
	}
	section := element(atom.Section,
		attr("class", "preserved-text"),
		attr("dir", "rtl"),
		attr("lang", profile.Lang.String()),
	)
	section.AppendChild(textElement(atom.H2, "Original text"))
	for _, run := range runs {
		section.AppendChild(textElement(atom.P, run))
	}
	return render(section)
}

func directionOf(profile script.Profile) script.Direction {
	if profile.Direction == "" {
		return script.DirectionAuto
	}
	return profile.Direction
}

func paragraphs(prompt string) []string {
	normalized := strings.ReplaceAll(strings.TrimSpace(prompt), "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(normalized, "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: a.String(), DataAtom: a, Attr: attrs}
}

func textElement(a atom.Atom, text string) *html.Node {
	n := element(a)
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return n
}

func attr(key, val string) html.Attribute {
	return html.Attribute{Key: key, Val: val}
}

func render(nodes ...*html.Node) string {
	var b strings.Builder
	for _, n := range nodes {
		// Rendering into a strings.Builder cannot fail.
		_ = html.Render(&b, n)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}
