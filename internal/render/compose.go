// internal/render/compose.go
package render

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"docgen/internal/script"

	"golang.org/x/net/html"
	"golang.org/x/text/language"
)

const defaultAccent = "#1f3a5f"

var hexColour = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}){1,2}$`)

// Compose wraps a sanitised body into a printable HTML document. Mixed
// direction text is laid out with plaintext bidi so Latin runs inside
// right-to-left paragraphs keep their own order.
func Compose(doc Document) string {
	profile := doc.Profile
	if len(profile.FontStack) == 0 {
		profile = script.Detect(plainText(doc.Body))
	}

	title := strings.TrimSpace(doc.Title)
	if title == "" {
		title = "Document"
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n")
	fmt.Fprintf(&b, "<html lang=\"%s\" dir=\"%s\">\n", langAttr(profile.Lang), dirAttr(profile.Direction))
	b.WriteString("<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<style>\n%s</style>\n", stylesheet(profile, doc))
	b.WriteString("</head>\n<body>\n")

	if doc.Watermark {
		b.WriteString("<div class=\"watermark\" aria-hidden=\"true\">SAMPLE</div>\n")
	}
	if img := imageTag(doc); img != "" {
		b.WriteString(img)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "<main class=\"doc\">\n%s\n</main>\n", doc.Body)
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func stylesheet(profile script.Profile, doc Document) string {
	accent := defaultAccent
	if hexColour.MatchString(doc.Brand.PrimaryColor) {
		accent = doc.Brand.PrimaryColor
	}

	var b strings.Builder
	fmt.Fprintf(&b, "body { font-family: %s; font-size: 11pt; line-height: 1.5; color: #222; margin: 0; }\n", profile.CSSFontFamily())
	b.WriteString("h1, h2, h3, h4, p, li, td, th, blockquote { unicode-bidi: plaintext; }\n")
	fmt.Fprintf(&b, "h1, h2, h3 { color: %s; }\n", accent)
	fmt.Fprintf(&b, "table { width: 100%%; border-collapse: collapse; }\nth { background: %s; color: #fff; }\n", accent)
	b.WriteString("td, th { border: 1px solid #ccc; padding: 4px 8px; text-align: start; }\n")
	b.WriteString(".preserved-text { direction: rtl; text-align: right; border-top: 1px solid #ccc; margin-top: 24px; }\n")
	b.WriteString(".source-image { display: block; max-width: 100%; max-height: 90mm; margin: 0 auto 12px; }\n")
	if doc.Watermark {
		b.WriteString(".watermark { position: fixed; top: 40%; left: 0; width: 100%; text-align: center; font-size: 96pt; color: rgba(0,0,0,0.08); transform: rotate(-30deg); z-index: 0; }\n")
	}
	return b.String()
}

func imageTag(doc Document) string {
	if doc.Image == nil || len(doc.Image.Data) == 0 || doc.Image.MIMEType == "" {
		return ""
	}
	src := "data:" + doc.Image.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(doc.Image.Data)
	return fmt.Sprintf("<img class=\"source-image\" alt=\"\" src=\"%s\">", html.EscapeString(src))
}

func langAttr(tag language.Tag) string {
	if tag == language.Und {
		return "en"
	}
	return tag.String()
}

func dirAttr(d script.Direction) string {
	if d == "" {
		return string(script.DirectionAuto)
	}
	return string(d)
}

func plainText(body string) string {
	blocks := extractBlocks(body)
	texts := make([]string, len(blocks))
	for i, blk := range blocks {
		texts[i] = blk.text
	}
	return strings.Join(texts, "\n")
}
