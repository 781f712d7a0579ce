// Package sanitizer implements the streaming, boundary-safe text
// transformer described in spec.md §4.3. It is grounded on the teacher's
// internal/terminal/osc133_parser.go: a small struct holding compiled
// regexes plus per-stream mutable state, fed incrementally via a Process*
// style method, the same shape this package uses for Push/Flush.
//
// Design: each Sanitizer keeps a "pending" buffer that holds the result of
// the full cleanup pipeline applied so far but not yet known to be stable,
// followed by any raw text held back unprocessed (a preamble that may still
// be arriving, or a trailing fragment that could still become an email
// address or phone number). A new Push re-runs the pipeline over
// pending+newRaw. Every stage in the
// pipeline is idempotent on text it has already cleaned (decoding an
// already-decoded entity, stripping tags from plain text, collapsing a
// single space are all no-ops), so reprocessing the retained tail together
// with newly arrived raw text is safe and never re-derives emitted output —
// it only ever extends it.
package sanitizer

import (
	"regexp"
	"strings"
	"unicode"
)

const freestylePrefix = "freestyle mode."

// maxPrefixLookahead bounds how long we keep checking for the one-shot
// "freestyle mode." / leading-newline preamble before giving up. Mirrors
// the teacher's MaxCommandHistory-style named bound for a small constant.
const maxPrefixLookahead = 32

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+[0-9][0-9 \-()]{3,}[0-9]`)

	asteriskRe = regexp.MustCompile(`\*+`)
	htmlTagRe  = regexp.MustCompile(`<[^<>]*>`)
	// emoji / pictograph / symbol blocks; not exhaustive, but covers the
	// common ranges used by chat-model output.
	emojiRe = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}\x{2190}-\x{21FF}\x{2B00}-\x{2BFF}]`)
	// ASCII/unicode emoticons such as :) :-D ;P ^_^ T_T <3 is excluded
	// deliberately (it is a heart, not an emoticon, per spec.md §4.3 step 6
	// boundary rule "exclude <3").
	emoticonRe = regexp.MustCompile(`[:;xX]-?[)(DPpOo/\\|]|\^_?\^|[tT]_?[tT]`)

	runsOfDotsRe     = regexp.MustCompile(`\.{2,}`)
	spaceBeforePunct = regexp.MustCompile(`\s+([,'?!])`)
	dashesRe          = regexp.MustCompile(`[\x{2013}\x{2014}]`)
	runsOfSpaceRe     = regexp.MustCompile(`[ \t]+`)
	escapedQuoteRe    = regexp.MustCompile(`\\"`)
	exaggeratedOhRe   = regexp.MustCompile(`(?i)o{3,}h*`)

	// Boundary-instability suffix detectors (spec.md §4.3 "Boundary
	// stability"). Each is anchored at end-of-string.
	unstableSuffixRe   = regexp.MustCompile(`[\s.]+$`)
	htmlEntitySuffixRe = regexp.MustCompile(`&[A-Za-z]{0,10}$`)
	emailSuffixRe      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@?[A-Za-z0-9.-]*$`)
	phoneSuffixRe      = regexp.MustCompile(`[+\d][\d \-()]*$`)
	emoticonSuffixRe   = regexp.MustCompile(`(?:[:;]-?|<|[xX]|\^_?|[tT]_?)$`)
)

var htmlEntities = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
	"&nbsp;", " ",
)

// Sanitizer holds the per-turn streaming state (spec.md's "StreamTail").
// It is owned by exactly one goroutine for the lifetime of a turn and is
// not safe for concurrent use, matching the teacher's per-connection
// terminal state structs.
type Sanitizer struct {
	pending        []byte
	prefixPending  bool
	capitalPending bool
}

// New creates a fresh per-turn sanitizer.
func New() *Sanitizer {
	return &Sanitizer{
		prefixPending:  true,
		capitalPending: true,
	}
}

// Push feeds a chunk of raw model text and returns the newly stable,
// already-emittable delta. An empty return means the chunk was fully
// absorbed into the still-unstable tail.
func (s *Sanitizer) Push(chunk string) string {
	s.pending = append(s.pending, chunk...)
	return s.advance(false)
}

// Flush sanitizes and releases the entire remaining tail, trailing
// whitespace right-trimmed, and empties the pending buffer. The one-shot
// prefix and capitalization flags are not reset.
func (s *Sanitizer) Flush() string {
	delta := s.advance(true)
	s.pending = nil
	return delta
}

// advance runs the pipeline over pending and returns the portion now safe
// to emit. When final is true, the whole transformed buffer is released
// (right-trimmed) regardless of tail-instability length.
func (s *Sanitizer) advance(final bool) string {
	text := string(s.pending)

	if s.prefixPending {
		stripped, _ := stripOneShotPrefix(text)
		lower := strings.ToLower(stripped)
		partial := stripped == "" || stripped == "/" ||
			strings.HasPrefix(freestylePrefix, lower) || strings.HasPrefix("freestyle mode/", lower)
		if !final && partial && len(text) <= maxPrefixLookahead {
			// The preamble may still be arriving; hold everything back.
			return ""
		}
		text = stripped
		s.prefixPending = false
	}

	// A trailing raw fragment that could still grow into an email address
	// or phone number is kept out of the pipeline until it is complete.
	var held string
	if !final {
		n := matchSuffixLen(phoneSuffixRe, text)
		if m := matchSuffixLen(emailSuffixRe, text); m > n {
			n = m
		}
		text, held = text[:len(text)-n], text[len(text)-n:]
	}

	text = verbalizeEmails(text)
	text = verbalizePhones(text)
	text = stripMarkupAndEmoji(text)
	text = normalizePunctuation(text)
	text = collapseWhitespace(text)
	text = normalizeExaggeratedOh(text)

	var stable, remainder string
	if final {
		stable = strings.TrimRight(text, " \t\n\r")
		remainder = ""
	} else {
		tail := tailLen(text)
		if tail > len(text) {
			tail = len(text)
		}
		cut := len(text) - tail
		stable, remainder = text[:cut], text[cut:]
	}

	if s.capitalPending && stable != "" {
		capitalized, done := capitalizeFirstAlpha(stable)
		stable = capitalized
		if done {
			s.capitalPending = false
		}
	}

	s.pending = []byte(remainder + held)
	return stable
}

// Sanitize runs the full pipeline over s in one shot, equivalent to
// pushing the entire string and then flushing. Useful for tests and for
// one-off (non-streaming) callers.
func Sanitize(s string) string {
	sn := New()
	var b strings.Builder
	b.WriteString(sn.Push(s))
	b.WriteString(sn.Flush())
	return b.String()
}

// stripOneShotPrefix removes a leading "freestyle mode." preamble
// (case-insensitive; without the period it is removed only when nothing or
// a newline token follows it) and any leading newline-token sequences.
func stripOneShotPrefix(s string) (string, bool) {
	trimmed := s
	changed := false

	for {
		advanced := false
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, freestylePrefix) {
			trimmed = trimmed[len(freestylePrefix):]
			advanced = true
		} else if base := strings.TrimSuffix(freestylePrefix, "."); strings.HasPrefix(lower, base) {
			rest := trimmed[len(base):]
			if rest == "" || strings.HasPrefix(rest, "\n") || strings.HasPrefix(rest, "\r") || strings.HasPrefix(rest, "/n") {
				trimmed = rest
				advanced = true
			}
		}
		for _, tok := range []string{"\r\n", "\n", "/n", "\r"} {
			if strings.HasPrefix(trimmed, tok) {
				trimmed = trimmed[len(tok):]
				advanced = true
			}
		}
		if !advanced {
			break
		}
		changed = true
	}
	return trimmed, changed
}

func verbalizeEmails(s string) string {
	return emailRe.ReplaceAllStringFunc(s, spellEmail)
}

func spellEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at < 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	domain = strings.ReplaceAll(domain, ".", " dot ")
	return local + " at " + domain
}

func verbalizePhones(s string) string {
	return phoneRe.ReplaceAllStringFunc(s, spellPhone)
}

func spellPhone(phone string) string {
	var words []string
	for _, r := range phone {
		switch {
		case r == '+':
			words = append(words, "plus")
		case unicode.IsDigit(r):
			words = append(words, digitWord(r))
		default:
			// spaces, dashes, parens inside the number are dropped; they
			// carry no spoken content.
		}
	}
	return strings.Join(words, " ")
}

func digitWord(r rune) string {
	names := [...]string{"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}
	return names[r-'0']
}

func stripMarkupAndEmoji(s string) string {
	s = asteriskRe.ReplaceAllString(s, "")
	s = emojiRe.ReplaceAllString(s, "")
	s = emoticonRe.ReplaceAllString(s, "")
	s = htmlTagRe.ReplaceAllString(s, "")
	s = htmlEntities.Replace(s)
	return s
}

func normalizePunctuation(s string) string {
	s = runsOfDotsRe.ReplaceAllString(s, "...")
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	s = dashesRe.ReplaceAllString(s, " ")
	s = escapedQuoteRe.ReplaceAllString(s, "")
	return s
}

func collapseWhitespace(s string) string {
	return runsOfSpaceRe.ReplaceAllString(s, " ")
}

func normalizeExaggeratedOh(s string) string {
	return exaggeratedOhRe.ReplaceAllStringFunc(s, func(match string) string {
		if strings.ContainsAny(match, "H") {
			return "Ooh"
		}
		if strings.ContainsAny(match, "h") {
			return "ooh"
		}
		if match == strings.ToUpper(match) {
			return "Ooh"
		}
		return "ooh"
	})
}

// capitalizeFirstAlpha uppercases the first alphabetic rune in s. It
// returns done=true once an alphabetic rune was found and capitalized;
// when s contains no alphabetic rune it returns s unchanged and
// done=false, so the first letter of a later chunk is still capitalized.
func capitalizeFirstAlpha(s string) (string, bool) {
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsLetter(r) {
			runes[i] = unicode.ToUpper(r)
			return string(runes), true
		}
	}
	return s, false
}

// tailLen computes the largest trailing-instability length across every
// boundary detector in spec.md §4.3.
func tailLen(s string) int {
	max := 0
	for _, n := range []int{
		matchSuffixLen(unstableSuffixRe, s),
		matchSuffixLen(htmlEntitySuffixRe, s),
		htmlTagSuffixLen(s),
		matchSuffixLen(emailSuffixRe, s),
		matchSuffixLen(phoneSuffixRe, s),
		matchSuffixLen(emoticonSuffixRe, s),
	} {
		if n > max {
			max = n
		}
	}
	return max
}

func matchSuffixLen(re *regexp.Regexp, s string) int {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return 0
	}
	// FindStringIndex with a trailing $ anchor only ever returns a match
	// ending at len(s); the "$" anchors prevent spurious interior matches.
	if loc[1] != len(s) {
		return 0
	}
	return loc[1] - loc[0]
}

// htmlTagSuffixLen returns the length of a dangling, unterminated "<..."
// at the end of s, excluding "<3" (a heart emoticon, not a tag start).
func htmlTagSuffixLen(s string) int {
	idx := strings.LastIndexByte(s, '<')
	if idx < 0 {
		return 0
	}
	tail := s[idx:]
	if strings.ContainsRune(tail, '>') {
		return 0
	}
	if len(tail) > 1 {
		r := []rune(tail)[1]
		if unicode.IsDigit(r) {
			return 0
		}
	}
	return len(tail)
}
