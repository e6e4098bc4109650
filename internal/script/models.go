// internal/script/models.go
package script

import (
	"strings"

	"golang.org/x/text/language"
)

// Script names a writing system the detector recognises.
type Script string

const (
	Arabic     Script = "Arabic"
	Persian    Script = "Persian"
	Hebrew     Script = "Hebrew"
	Chinese    Script = "Chinese"
	Japanese   Script = "Japanese"
	Korean     Script = "Korean"
	Devanagari Script = "Devanagari"
	Bengali    Script = "Bengali"
	Gurmukhi   Script = "Gurmukhi"
	Gujarati   Script = "Gujarati"
	Tamil      Script = "Tamil"
	Telugu     Script = "Telugu"
	Kannada    Script = "Kannada"
	Malayalam  Script = "Malayalam"
)

// Direction is the CSS direction hint for a document.
type Direction string

const (
	DirectionLTR  Direction = "ltr"
	DirectionRTL  Direction = "rtl"
	DirectionAuto Direction = "auto"
)

// Profile is derived from input text and never persisted.
type Profile struct {
	Scripts   []Script     `json:"scripts"`
	IsRTL     bool         `json:"isRtl"`
	FontStack []string     `json:"fontStack"`
	Direction Direction    `json:"direction"`
	Lang      language.Tag `json:"lang"`
}

// Has reports whether s was detected.
func (p Profile) Has(s Script) bool {
	for _, detected := range p.Scripts {
		if detected == s {
			return true
		}
	}
	return false
}

// Latin reports whether no non-Latin script was detected.
func (p Profile) Latin() bool {
	return len(p.Scripts) == 0
}

// CSSFontFamily renders the font stack as a font-family value.
func (p Profile) CSSFontFamily() string {
	parts := make([]string, 0, len(p.FontStack))
	for _, family := range p.FontStack {
		if isGenericFamily(family) {
			parts = append(parts, family)
			continue
		}
		parts = append(parts, `"`+family+`"`)
	}
	return strings.Join(parts, ", ")
}

func isGenericFamily(family string) bool {
	switch family {
	case "serif", "sans-serif", "monospace", "cursive", "fantasy", "system-ui":
		return true
	}
	return false
}
