// Package textnorm rewrites spoken finance phrasing into canonical text:
// Chinese numerals become Arabic digits and colloquial currency units collapse
// into decimal amounts. The pipeline is pure and idempotent.
package textnorm

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	numeralRun  = regexp.MustCompile(`[零〇一二两三四五六七八九十百千万]+`)
	yuanJiaoFen = regexp.MustCompile(`(\d+)元(\d)角(\d)分`)
	yuanJiao    = regexp.MustCompile(`(\d+)元(\d)角`)
	yuanFen     = regexp.MustCompile(`(\d+)元(\d)分`)
)

var digitValue = map[rune]int{
	'零': 0, '〇': 0,
	'一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

var placeValue = map[rune]int{
	'十': 10, '百': 100, '千': 1000, '万': 10000,
}

// Normalize runs the full pipeline: numerals first, then units. Applying it to
// its own output is a no-op.
func Normalize(text string) string {
	return NormalizeUnits(NormalizeNumerals(text))
}

// NormalizeNumerals rewrites each run of spoken numeral characters using
// place-value composition, so 二十 becomes 20 rather than a naive 2-0.
func NormalizeNumerals(text string) string {
	return numeralRun.ReplaceAllStringFunc(text, convertRun)
}

func convertRun(run string) string {
	chars := []rune(run)
	hasPlace := false
	for _, c := range chars {
		if _, ok := placeValue[c]; ok {
			hasPlace = true
			break
		}
	}
	if !hasPlace {
		// Digit-by-digit reading (phone numbers, codes): map verbatim.
		var b strings.Builder
		for _, c := range chars {
			fmt.Fprintf(&b, "%d", digitValue[c])
		}
		return b.String()
	}
	return fmt.Sprintf("%d", composePlaceValue(chars))
}

// composePlaceValue folds a numeral run like 一百二十三 into 123. A leading
// place word carries an implicit one (十五 = 15); a trailing digit after a
// place word inherits the next lower unit (一百二 = 120).
func composePlaceValue(chars []rune) int {
	total := 0
	section := 0 // accumulated below the highest seen place
	lastPlace := 0
	pending := -1 // digit awaiting a place word
	for _, c := range chars {
		if d, ok := digitValue[c]; ok {
			if d == 0 {
				// 一百零五: the zero pins the trailing digit to the ones unit.
				lastPlace = 10
				pending = -1
				continue
			}
			pending = d
			continue
		}
		place := placeValue[c]
		if place == 10000 {
			// 万 scales everything accumulated so far.
			if pending >= 0 {
				section += pending
				pending = -1
			}
			total = (total + section) * place
			section = 0
			lastPlace = 0
			continue
		}
		if pending < 0 {
			pending = 1 // 十五, 百二十 style implicit one
		}
		section += pending * place
		pending = -1
		lastPlace = place
	}
	if pending > 0 {
		if lastPlace > 10 {
			// 一百二 -> 120, 三千五 -> 3500
			section += pending * lastPlace / 10
		} else {
			section += pending
		}
	}
	return total + section
}

// NormalizeUnits canonicalizes colloquial currency words and collapses
// amount-plus-subunit phrases into a single decimal amount. Runs after
// NormalizeNumerals so the amounts are already Arabic.
func NormalizeUnits(text string) string {
	text = strings.ReplaceAll(text, "块钱", "元")
	text = strings.ReplaceAll(text, "块", "元")
	text = strings.ReplaceAll(text, "毛", "角")
	text = yuanJiaoFen.ReplaceAllString(text, "${1}.${2}${3}元")
	text = yuanJiao.ReplaceAllString(text, "${1}.${2}元")
	text = yuanFen.ReplaceAllString(text, "${1}.0${2}元")
	return text
}
