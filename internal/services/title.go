package services

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Titles a session may carry before its first message names it.
const (
	defaultTitleNew      = "New chat"
	defaultTitleUntitled = "Untitled"
)

// Titler derives session titles from the first message.
type Titler struct {
	Locale   language.Tag // title casing rules; English when unset
	MaxLen   int          // runes, 60 when unset
	MaxWords int          // 8 when unset
}

// ShouldAutoTitle reports whether current is a placeholder title.
func (t Titler) ShouldAutoTitle(current string) bool {
	current = strings.TrimSpace(current)
	return current == "" ||
		strings.EqualFold(current, defaultTitleNew) ||
		strings.EqualFold(current, defaultTitleUntitled)
}

// FromContent keeps the first words of content that are not stop words,
// title-cases them and clips the result. It returns "" when nothing is left.
func (t Titler) FromContent(content string) string {
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	caser := cases.Title(t.locale())
	kept := make([]string, 0, t.maxWords())
	for _, w := range words {
		if len(kept) == t.maxWords() {
			break
		}
		if !titleStopWords[w] {
			kept = append(kept, caser.String(w))
		}
	}
	return t.clip(strings.Join(kept, " "))
}

func (t Titler) clip(title string) string {
	n := t.MaxLen
	if n <= 0 {
		n = 60
	}
	if utf8.RuneCountInString(title) <= n {
		return title
	}
	return strings.TrimSpace(string([]rune(title)[:n]))
}

func (t Titler) maxWords() int {
	if t.MaxWords <= 0 {
		return 8
	}
	return t.MaxWords
}

func (t Titler) locale() language.Tag {
	if t.Locale == language.Und {
		return language.English
	}
	return t.Locale
}

// normalizeTitle trims s and collapses inner whitespace to single spaces.
func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var titleStopWords = func() map[string]bool {
	m := map[string]bool{}
	for _, w := range strings.Fields(`
		a an and are as at be by for from hello hi i in is it
		me my of on or that the this to was we were with you`) {
		m[w] = true
	}
	return m
}()
