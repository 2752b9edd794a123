package speech

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	numberRe     = regexp.MustCompile(`\d+`)

	abbreviations = strings.NewReplacer(
		"Mr.", "Mister",
		"Mrs.", "Misses",
		"Ms.", "Miss",
		"Dr.", "Doctor",
		"St.", "Saint",
		"Prof.", "Professor",
		"e.g.", "for example",
		"i.e.", "that is",
		"etc.", "et cetera",
		"vs.", "versus",
		"&", " and ",
		"%", " percent",
		"—", ", ",
		"–", ", ",
		"…", "...",
	)
)

const maxNumberForWords = 999999

// Normalize collapses whitespace, expands common abbreviations and spells out
// integers so every engine sees the same text.
func Normalize(text string) string {
	text = abbreviations.Replace(text)
	text = numberRe.ReplaceAllStringFunc(text, func(s string) string {
		n, err := strconv.Atoi(s)
		if err != nil || n > maxNumberForWords {
			return s
		}
		return numberToWords(n)
	})
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

var (
	ones = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tens = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
)

func numberToWords(n int) string {
	switch {
	case n < 20:
		return ones[n]
	case n < 100:
		if n%10 == 0 {
			return tens[n/10]
		}
		return tens[n/10] + " " + ones[n%10]
	case n < 1000:
		if n%100 == 0 {
			return ones[n/100] + " hundred"
		}
		return ones[n/100] + " hundred " + numberToWords(n%100)
	default:
		if n%1000 == 0 {
			return numberToWords(n/1000) + " thousand"
		}
		return numberToWords(n/1000) + " thousand " + numberToWords(n%1000)
	}
}
