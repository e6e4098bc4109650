// internal/render/degraded.go
package render

import (
	"bytes"
	"fmt"
	"strings"

	"docgen/internal/common/logger"
	"docgen/internal/models"

	"github.com/go-pdf/fpdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/charmap"
)

const (
	unrepresentableNotice = "Some characters in this document could not be drawn by the fallback renderer and are shown as '?'."
	imageOmittedNotice    = "The attached image could not be drawn by the fallback renderer and was left out."
)

type blockKind int

const (
	blockHeading blockKind = iota
	blockParagraph
	blockListItem
	blockRow
)

type textBlock struct {
	kind  blockKind
	level int
	text  string
}

// DegradedRenderer draws documents directly with the core PDF fonts. It
// only covers Windows-1252 text; anything else is replaced and a notice
// is printed at the top of the document.
type DegradedRenderer struct {
	page   PageOptions
	logger logger.Logger
}

func NewDegradedRenderer(page PageOptions, log logger.Logger) *DegradedRenderer {
	return &DegradedRenderer{
		page:   page.Normalize(),
		logger: log.WithFields(map[string]interface{}{"component": "degraded-renderer"}),
	}
}

// Render returns a PDF for any document. If drawing the document fails, a
// one-page ASCII notice is produced instead.
func (d *DegradedRenderer) Render(doc Document) ([]byte, error) {
	out, err := d.draw(doc)
	if err == nil {
		return out, nil
	}

	d.logger.Error("degraded render failed, writing notice page", map[string]interface{}{
		"error": err.Error(),
	})
	return d.notice(doc.Title)
}

func (d *DegradedRenderer) draw(doc Document) ([]byte, error) {
	pdf := d.newPDF(doc.Title)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	blocks := extractBlocks(doc.Body)
	lost := 0
	for i := range blocks {
		var n int
		blocks[i].text, n = representable(blocks[i].text)
		lost += n
	}
	title, n := representable(strings.TrimSpace(doc.Title))
	lost += n

	pdf.AddPage()
	if doc.Watermark {
		d.watermark(pdf)
	}

	r, g, b := accentRGB(doc.Brand.PrimaryColor)
	if title != "" {
		pdf.SetFont("Helvetica", "B", 18)
		pdf.SetTextColor(r, g, b)
		pdf.MultiCell(0, 9, tr(title), "", "L", false)
		pdf.Ln(2)
	}
	if lost > 0 {
		printNotice(pdf, unrepresentableNotice)
	}
	if doc.Image != nil && !d.image(pdf, doc.Image) {
		printNotice(pdf, imageOmittedNotice)
	}

	for _, blk := range blocks {
		switch blk.kind {
		case blockHeading:
			size := 15.0
			if blk.level >= 2 {
				size = 13
			}
			pdf.SetFont("Helvetica", "B", size)
			pdf.SetTextColor(r, g, b)
			pdf.Ln(2)
			pdf.MultiCell(0, 7, tr(blk.text), "", "L", false)
		case blockListItem:
			pdf.SetFont("Helvetica", "", 11)
			pdf.SetTextColor(34, 34, 34)
			pdf.MultiCell(0, 5.5, tr("- "+blk.text), "", "L", false)
		case blockRow:
			pdf.SetFont("Courier", "", 9)
			pdf.SetTextColor(34, 34, 34)
			pdf.MultiCell(0, 5, tr(blk.text), "B", "L", false)
		default:
			pdf.SetFont("Helvetica", "", 11)
			pdf.SetTextColor(34, 34, 34)
			pdf.MultiCell(0, 5.5, tr(blk.text), "", "L", false)
			pdf.Ln(1.5)
		}
	}

	if lost > 0 {
		d.logger.Warn("characters outside the fallback font range were replaced", map[string]interface{}{
			"replaced": lost,
		})
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *DegradedRenderer) notice(title string) ([]byte, error) {
	pdf := d.newPDF("")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 14)
	pdf.MultiCell(0, 8, "Document could not be laid out", "", "L", false)
	pdf.SetFont("Helvetica", "", 11)
	if t, _ := representable(title); t != "" {
		pdf.MultiCell(0, 6, asciiOnly(t), "", "L", false)
	}
	pdf.MultiCell(0, 6, "Please regenerate this document.", "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *DegradedRenderer) newPDF(title string) *fpdf.Fpdf {
	orientation := "P"
	if d.page.Landscape {
		orientation = "L"
	}
	pdf := fpdf.New(orientation, "mm", d.page.Format, "")
	pdf.SetMargins(d.page.MarginMM, d.page.MarginMM, d.page.MarginMM)
	pdf.SetAutoPageBreak(true, d.page.MarginMM)
	pdf.SetCreator("docgen", true)
	if title != "" {
		pdf.SetTitle(title, true)
	}
	return pdf
}

func (d *DegradedRenderer) watermark(pdf *fpdf.Fpdf) {
	w, h := pdf.GetPageSize()
	pdf.SetFont("Helvetica", "B", 72)
	pdf.SetTextColor(225, 225, 225)
	pdf.TransformBegin()
	pdf.TransformRotate(30, w/2, h/2)
	pdf.Text(w/2-pdf.GetStringWidth("SAMPLE")/2, h/2, "SAMPLE")
	pdf.TransformEnd()
}

func printNotice(pdf *fpdf.Fpdf, text string) {
	pdf.SetFont("Helvetica", "I", 8)
	pdf.SetTextColor(150, 40, 40)
	pdf.MultiCell(0, 4, text, "", "L", false)
	pdf.Ln(2)
}

// image draws img below the current position and reports whether it could.
func (d *DegradedRenderer) image(pdf *fpdf.Fpdf, img *models.SourceImage) bool {
	imageType := ""
	switch strings.ToLower(img.MIMEType) {
	case "image/png":
		imageType = "PNG"
	case "image/jpeg", "image/jpg":
		imageType = "JPG"
	case "image/gif":
		imageType = "GIF"
	default:
		d.logger.Warn("image type not drawable by the fallback renderer", map[string]interface{}{
			"mimeType": img.MIMEType,
		})
		return false
	}

	opts := fpdf.ImageOptions{ImageType: imageType, ReadDpi: true}
	info := pdf.RegisterImageOptionsReader("source", opts, bytes.NewReader(img.Data))
	if pdf.Err() {
		d.logger.Warn("skipping undecodable image", map[string]interface{}{
			"mimeType": img.MIMEType,
			"error":    pdf.Error().Error(),
		})
		pdf.ClearError()
		return false
	}

	left, _, right, _ := pdf.GetMargins()
	pageW, _ := pdf.GetPageSize()
	maxW := pageW - left - right
	w, h := info.Extent()
	if w > maxW {
		h = h * maxW / w
		w = maxW
	}
	if h > 90 {
		w = w * 90 / h
		h = 90
	}
	pdf.ImageOptions("source", (pageW-w)/2, pdf.GetY(), w, h, true, opts, 0, "")
	pdf.Ln(4)
	return true
}

// representable replaces every rune the core fonts cannot draw with '?'
// and reports how many were replaced.
func representable(s string) (string, int) {
	enc := charmap.Windows1252
	lost := 0
	var b strings.Builder
	for _, r := range s {
		if _, ok := enc.EncodeRune(r); ok || r == '\n' {
			b.WriteRune(r)
			continue
		}
		lost++
		b.WriteByte('?')
	}
	return b.String(), lost
}

func asciiOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x80 {
			b.WriteRune(r)
		} else {
			b.WriteByte('?')
		}
	}
	return b.String()
}

func accentRGB(hex string) (int, int, int) {
	if !hexColour.MatchString(hex) {
		return 31, 58, 95
	}
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	var r, g, b int
	fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b)
	return r, g, b
}

// extractBlocks flattens body markup into drawable blocks.
func extractBlocks(body string) []textBlock {
	nodes, err := html.ParseFragment(strings.NewReader(body), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return []textBlock{{kind: blockParagraph, text: body}}
	}

	var blocks []textBlock
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := collapse(n.Data); t != "" {
				blocks = append(blocks, textBlock{kind: blockParagraph, text: t})
			}
			return
		}
		if n.Type != html.ElementNode {
			return
		}
		switch n.DataAtom {
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			level := int(n.Data[1] - '0')
			blocks = appendBlock(blocks, blockHeading, level, textOf(n))
			return
		case atom.P, atom.Blockquote, atom.Pre, atom.Dt, atom.Dd, atom.Caption:
			blocks = appendBlock(blocks, blockParagraph, 0, textOf(n))
			return
		case atom.Li:
			blocks = appendBlock(blocks, blockListItem, 0, textOf(n))
			return
		case atom.Tr:
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
					cells = append(cells, textOf(c))
				}
			}
			blocks = appendBlock(blocks, blockRow, 0, strings.Join(cells, " | "))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return blocks
}

func appendBlock(blocks []textBlock, kind blockKind, level int, text string) []textBlock {
	if text == "" {
		return blocks
	}
	return append(blocks, textBlock{kind: kind, level: level, text: text})
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			b.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = collapse(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
