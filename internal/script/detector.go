// internal/script/detector.go
package script

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
	"golang.org/x/text/unicode/bidi"
	"golang.org/x/text/unicode/rangetable"
)

// rtlTable covers every right-to-left block the detector knows.
var rtlTable = rangetable.Merge(unicode.Arabic, unicode.Hebrew, unicode.Syriac, unicode.Thaana, unicode.Nko)

var kanaTable = rangetable.Merge(unicode.Hiragana, unicode.Katakana)

// Letters used by Persian but not by standard Arabic orthography.
var persianLetters = rangetable.New('پ', 'چ', 'ژ', 'ک', 'گ', 'ی')

// Fixed detection priority: RTL first, then CJK, then Indic.
var priority = []Script{
	Arabic, Persian, Hebrew,
	Chinese, Japanese, Korean,
	Devanagari, Bengali, Gurmukhi, Gujarati, Tamil, Telugu, Kannada, Malayalam,
}

var indicTables = map[Script]*unicode.RangeTable{
	Devanagari: unicode.Devanagari,
	Bengali:    unicode.Bengali,
	Gurmukhi:   unicode.Gurmukhi,
	Gujarati:   unicode.Gujarati,
	Tamil:      unicode.Tamil,
	Telugu:     unicode.Telugu,
	Kannada:    unicode.Kannada,
	Malayalam:  unicode.Malayalam,
}

var fontFamilies = map[Script][]string{
	Arabic:     {"Noto Naskh Arabic", "Amiri", "Scheherazade New"},
	Persian:    {"Vazirmatn", "Noto Naskh Arabic"},
	Hebrew:     {"Noto Sans Hebrew", "David Libre"},
	Chinese:    {"Noto Sans SC", "Noto Sans CJK SC", "Microsoft YaHei"},
	Japanese:   {"Noto Sans JP", "Noto Sans CJK JP", "Hiragino Sans"},
	Korean:     {"Noto Sans KR", "Noto Sans CJK KR", "Malgun Gothic"},
	Devanagari: {"Noto Sans Devanagari", "Mangal"},
	Bengali:    {"Noto Sans Bengali", "Vrinda"},
	Gurmukhi:   {"Noto Sans Gurmukhi", "Raavi"},
	Gujarati:   {"Noto Sans Gujarati", "Shruti"},
	Tamil:      {"Noto Sans Tamil", "Latha"},
	Telugu:     {"Noto Sans Telugu", "Gautami"},
	Kannada:    {"Noto Sans Kannada", "Tunga"},
	Malayalam:  {"Noto Sans Malayalam", "Kartika"},
}

// FallbackFonts terminate every font stack.
var FallbackFonts = []string{"Noto Sans", "Arial Unicode MS", "sans-serif"}

var scriptLang = map[Script]language.Tag{
	Arabic:     language.Arabic,
	Persian:    language.Persian,
	Hebrew:     language.Hebrew,
	Chinese:    language.Chinese,
	Japanese:   language.Japanese,
	Korean:     language.Korean,
	Devanagari: language.Hindi,
	Bengali:    language.Bengali,
	Gurmukhi:   language.Punjabi,
	Gujarati:   language.Gujarati,
	Tamil:      language.Tamil,
	Telugu:     language.Telugu,
	Kannada:    language.Kannada,
	Malayalam:  language.Malayalam,
}

// Detect classifies text by writing system. It never fails.
func Detect(text string) Profile {
	seen := make(map[Script]bool)
	var hasHan, hasKana, hasRTL, hasLTR bool

	for _, r := range text {
		switch {
		case unicode.Is(rtlTable, r):
			hasRTL = true
			if unicode.Is(unicode.Hebrew, r) {
				seen[Hebrew] = true
			} else if unicode.Is(unicode.Arabic, r) {
				seen[Arabic] = true
				if unicode.Is(persianLetters, r) {
					seen[Persian] = true
				}
			}
		case unicode.Is(unicode.Han, r):
			hasHan = true
		case unicode.Is(kanaTable, r):
			hasKana = true
		case unicode.Is(unicode.Hangul, r):
			seen[Korean] = true
		default:
			for s, table := range indicTables {
				if unicode.Is(table, r) {
					seen[s] = true
					break
				}
			}
		}

		if !hasLTR && unicode.IsLetter(r) && !unicode.Is(rtlTable, r) {
			if props, _ := bidi.LookupRune(r); props.Class() == bidi.L {
				hasLTR = true
			}
		}
	}

	// Kana marks Han as Japanese rather than Chinese.
	if hasKana {
		seen[Japanese] = true
	} else if hasHan {
		seen[Chinese] = true
	}

	profile := Profile{
		IsRTL:     hasRTL,
		Direction: DirectionLTR,
		Lang:      language.English,
	}
	for _, s := range priority {
		if seen[s] {
			profile.Scripts = append(profile.Scripts, s)
		}
	}
	if len(profile.Scripts) > 0 {
		profile.Lang = scriptLang[profile.Scripts[0]]
		if seen[Persian] {
			profile.Lang = language.Persian
		}
	}

	switch {
	case hasRTL && hasLTR:
		// Mixed text keeps Latin runs unmirrored.
		profile.Direction = DirectionAuto
	case hasRTL:
		profile.Direction = DirectionRTL
	}

	profile.FontStack = fontStack(profile.Scripts)
	return profile
}

func fontStack(scripts []Script) []string {
	var stack []string
	added := make(map[string]bool)
	push := func(families []string) {
		for _, f := range families {
			if !added[f] {
				added[f] = true
				stack = append(stack, f)
			}
		}
	}
	for _, s := range scripts {
		push(fontFamilies[s])
	}
	push(FallbackFonts)
	return stack
}

// IsRTLRune reports whether r belongs to a right-to-left block.
func IsRTLRune(r rune) bool {
	return unicode.Is(rtlTable, r)
}

// CountRTL counts right-to-left letters in text.
func CountRTL(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsLetter(r) && IsRTLRune(r) {
			n++
		}
	}
	return n
}

// rtlBlocks splits rtlTable per script so loss can be judged per script.
var rtlBlocks = []*unicode.RangeTable{unicode.Arabic, unicode.Hebrew, unicode.Syriac, unicode.Thaana, unicode.Nko}

func rtlBlockCounts(text string) []int {
	counts := make([]int, len(rtlBlocks))
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		for i, table := range rtlBlocks {
			if unicode.Is(table, r) {
				counts[i]++
				break
			}
		}
	}
	return counts
}

// LostRTLRuns returns the right-to-left runs of original that belong to a
// script with no letters left in output. A run mixing scripts is kept whole.
func LostRTLRuns(original, output string) []string {
	in, out := rtlBlockCounts(original), rtlBlockCounts(output)
	var lost []*unicode.RangeTable
	for i := range rtlBlocks {
		if in[i] > 0 && out[i] == 0 {
			lost = append(lost, rtlBlocks[i])
		}
	}
	if len(lost) == 0 {
		return nil
	}

	var runs []string
	for _, run := range RTLRuns(original) {
		if strings.IndexFunc(run, func(r rune) bool { return unicode.In(r, lost...) }) >= 0 {
			runs = append(runs, run)
		}
	}
	return runs
}

// RTLRatio is the share of letters in text that are right-to-left.
func RTLRatio(text string) float64 {
	letters, rtl := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if IsRTLRune(r) {
			rtl++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(rtl) / float64(letters)
}

// RTLRuns extracts the maximal right-to-left runs of text in order.
// Spaces, digits and punctuation between RTL letters stay inside a run.
func RTLRuns(text string) []string {
	var runs []string
	var current strings.Builder
	var pending strings.Builder

	flush := func() {
		if current.Len() > 0 {
			runs = append(runs, strings.TrimSpace(current.String()))
			current.Reset()
		}
		pending.Reset()
	}

	for _, r := range text {
		switch {
		case IsRTLRune(r):
			current.WriteString(pending.String())
			pending.Reset()
			current.WriteRune(r)
		case current.Len() > 0 && !unicode.IsLetter(r) && r != '\n':
			pending.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return runs
}
