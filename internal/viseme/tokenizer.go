package viseme

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mozillazg/go-pinyin"
)

type Script int

const (
	ScriptLatin Script = iota
	ScriptCJK
)

// Token is a maximal run of CJK ideographs or of ASCII letters.
type Token string

var (
	tokenPattern = regexp.MustCompile(`[\x{4e00}-\x{9fa5}]+|[a-zA-Z]+`)
	cjkPattern   = regexp.MustCompile(`[\x{4e00}-\x{9fa5}]`)
)

// Tokenize splits text into script-homogeneous tokens. Whitespace,
// punctuation, digits and other scripts are dropped.
func Tokenize(text string) []Token {
	matches := tokenPattern.FindAllString(text, -1)
	tokens := make([]Token, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, Token(m))
	}
	return tokens
}

func (t Token) Script() Script {
	if cjkPattern.MatchString(string(t)) {
		return ScriptCJK
	}
	return ScriptLatin
}

// phraseReadings overrides the per-ideograph dictionary for common words whose
// reading depends on the neighbouring character.
var phraseReadings = map[string][]string{
	"银行": {"yin", "hang"},
	"行业": {"hang", "ye"},
	"长大": {"zhang", "da"},
	"重新": {"chong", "xin"},
	"音乐": {"yin", "yue"},
	"还是": {"hai", "shi"},
	"还有": {"hai", "you"},
	"睡觉": {"shui", "jiao"},
	"都是": {"dou", "shi"},
}

const maxPhraseRunes = 2

// Extractor turns tokens into phonetic units and viseme sequences.
type Extractor struct {
	table *Table
	args  pinyin.Args
}

func NewExtractor(table *Table) *Extractor {
	if table == nil {
		table = DefaultTable()
	}
	args := pinyin.NewArgs()
	args.Style = pinyin.Normal
	args.Heteronym = false
	// keep one slot per ideograph even when the dictionary has no reading
	args.Fallback = func(r rune, a pinyin.Args) []string {
		return []string{""}
	}
	return &Extractor{table: table, args: args}
}

// Units returns the phonetic units of one token: a syllable initial per
// ideograph for CJK tokens, the upper-cased first letter for Latin tokens.
func (e *Extractor) Units(token Token) []string {
	if token == "" {
		return nil
	}
	if token.Script() == ScriptCJK {
		syllables := e.syllables([]rune(string(token)))
		units := make([]string, 0, len(syllables))
		for _, s := range syllables {
			units = append(units, Initial(s))
		}
		return units
	}
	r, _ := utf8.DecodeRuneInString(string(token))
	return []string{string(unicode.ToUpper(r))}
}

// syllables romanizes runes one per ideograph, preferring phrase readings.
func (e *Extractor) syllables(runes []rune) []string {
	out := make([]string, 0, len(runes))
	for i := 0; i < len(runes); {
		matched := false
		for n := min(maxPhraseRunes, len(runes)-i); n >= 2; n-- {
			if reading, ok := phraseReadings[string(runes[i:i+n])]; ok {
				out = append(out, reading...)
				i += n
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, pinyin.LazyPinyin(string(runes[i]), e.args)...)
			i++
		}
	}
	return out
}

// Sequence maps text to its viseme sequence in reading order.
func (e *Extractor) Sequence(text string) Sequence {
	var seq Sequence
	for _, token := range Tokenize(text) {
		for _, unit := range e.Units(token) {
			seq = append(seq, e.table.Map(unit))
		}
	}
	return seq
}

// Initial returns the onset of a romanized syllable: zh, ch or sh when
// present, otherwise the first letter. Nucleus and coda are discarded.
func Initial(syllable string) string {
	syllable = strings.ToLower(strings.TrimSpace(syllable))
	for _, digraph := range []string{"zh", "ch", "sh"} {
		if strings.HasPrefix(syllable, digraph) {
			return digraph
		}
	}
	r, size := utf8.DecodeRuneInString(syllable)
	if size == 0 {
		return ""
	}
	return string(r)
}
