package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// 可选货币符号 + 数字(千分位逗号, 可选小数)
var amountPattern = regexp.MustCompile(`(₦|NGN|N|\$|£|€)?\s?(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)`)

// 紧跟在数字后表示规格而非价格的单位
var unitWords = []string{
	"kb", "mb", "gb", "tb",
	"sec", "second", "min", "minute", "hr", "hour", "day", "week", "wk", "month", "mo", "yr", "year",
	"sms", "mins", "x", "%",
}

// ParseAmount 从展示文本中解析价格
// 带货币符号的匹配优先; 否则取最后一个不带单位的数字
func ParseAmount(text string) (float64, bool) {
	matches := amountPattern.FindAllStringSubmatchIndex(text, -1)

	var bare string
	for _, m := range matches {
		numStart, numEnd := m[4], m[5]
		number := text[numStart:numEnd]

		if m[2] >= 0 {
			glyph := text[m[2]:m[3]]
			if !isLetterGlyph(glyph) || !letterBefore(text, m[2]) {
				return parseNumber(number)
			}
		}

		if letterBefore(text, numStart) || digitBefore(text, numStart) {
			continue
		}
		if unitAfter(text[numEnd:]) {
			continue
		}
		bare = number
	}

	if bare == "" {
		return 0, false
	}
	return parseNumber(bare)
}

func parseNumber(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func isLetterGlyph(glyph string) bool {
	return glyph == "N" || glyph == "NGN"
}

func letterBefore(text string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return unicode.IsLetter(r)
}

func digitBefore(text string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return unicode.IsDigit(r) || r == '.'
}

func unitAfter(rest string) bool {
	rest = strings.ToLower(strings.TrimLeft(rest, " "))
	for _, u := range unitWords {
		if !strings.HasPrefix(rest, u) {
			continue
		}
		// 单位后必须是词边界, 避免把 "mtn" 当成 "mo"
		tail := rest[len(u):]
		if u == "%" || tail == "" {
			return true
		}
		r, _ := utf8.DecodeRuneInString(tail)
		if !unicode.IsLetter(r) || r == 's' {
			return true
		}
	}
	return false
}
