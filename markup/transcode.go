package markup

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	fencedRe    = regexp.MustCompile("(?s)```(?:\\w+)?\\n(.*?)```")
	inlineRe    = regexp.MustCompile("`([^`]+?)`")
	linkRe      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe   = regexp.MustCompile(`(?m)^(#{1,6})[ \t]*(.+)$`)
	boldRe      = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	underlineRe = regexp.MustCompile(`__([^_]+)__`)
	strikeRe    = regexp.MustCompile(`~~(.+?)~~`)
	spoilerRe   = regexp.MustCompile(`\|\|(.+?)\|\|`)
	blankRe     = regexp.MustCompile(`\n{3,}`)
	leftoverRe  = regexp.MustCompile(`[*_~]`)
)

// bodyEscaper escapes HTML metacharacters in body text. Quotes stay
// untouched: the channel only requires entity escaping for &, < and >.
var bodyEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// attrEscaper escapes text destined for an HTML attribute value.
var attrEscaper = strings.NewReplacer(
	"&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;", "'", "&#39;",
)

// Transcode converts provider markdown into channel HTML.
//
// Code spans are extracted into placeholders before any other pass so their
// content is never escaped twice or reinterpreted as markup; fenced blocks
// are pulled first so a fence cannot be mis-read as inline code. The
// returned error is a degradation signal: callers fall back to raw text for
// the rest of the session, they never abort on it.
func Transcode(text string) (out string, err error) {
	if text == "" {
		return "", nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("markup transcode: %v", r)
		}
	}()

	spans := map[string]string{}
	counter := 0

	// Placeholder keys deliberately contain no marker characters so the
	// emphasis and cleanup passes below can never touch them.
	text = fencedRe.ReplaceAllStringFunc(text, func(m string) string {
		code := fencedRe.FindStringSubmatch(m)[1]
		key := fmt.Sprintf("@@CODEBLOCK%d@@", counter)
		counter++
		spans[key] = code
		return key
	})
	text = inlineRe.ReplaceAllStringFunc(text, func(m string) string {
		code := inlineRe.FindStringSubmatch(m)[1]
		key := fmt.Sprintf("@@INLINECODE%d@@", counter)
		counter++
		spans[key] = code
		return key
	})

	text = bodyEscaper.Replace(text)

	text = linkRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		// The label was escaped with the body above; only the URL needs
		// attribute-safe escaping here.
		return `<a href="` + attrEscaper.Replace(sub[2]) + `">` + sub[1] + `</a>`
	})

	text = headingRe.ReplaceAllString(text, "<b>$2</b>\n")

	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = underlineRe.ReplaceAllString(text, "<u>$1</u>")
	text = replaceSingleMarker(text, '*', "<i>", "</i>")
	text = replaceSingleMarker(text, '_', "<i>", "</i>")
	// The channel dialect has no guaranteed strikethrough: wrap in thin
	// spaces and render as a plain run.
	text = strikeRe.ReplaceAllString(text, " $1⁠ ")
	text = spoilerRe.ReplaceAllString(text, "<tg-spoiler>$1</tg-spoiler>")

	text = blankRe.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	// Anything the passes above did not consume would show up as stray
	// marker characters; drop them. This runs before placeholder
	// restoration so code content keeps its markers verbatim.
	text = leftoverRe.ReplaceAllString(text, "")

	// Restore code spans last, escaping their content only now so the body
	// escaping pass above never double-escapes it.
	for key, code := range spans {
		escaped := bodyEscaper.Replace(code)
		var repl string
		if strings.HasPrefix(key, "@@CODEBLOCK") {
			repl = "<pre>" + escaped + "</pre>"
		} else {
			repl = "<code>" + escaped + "</code>"
		}
		text = strings.Replace(text, key, repl, 1)
	}

	return text, nil
}

// replaceSingleMarker converts single-marker emphasis spans (*text* or
// _text_) into open/close tags. Doubled markers are left alone, standing in
// for the negative lookaround the regexp engine does not support.
func replaceSingleMarker(s string, marker byte, openTag, closeTag string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		c := s[i]
		if c != marker {
			b.WriteByte(c)
			i++
			continue
		}
		// Skip doubled markers outright.
		if i+1 < len(s) && s[i+1] == marker {
			b.WriteByte(c)
			b.WriteByte(c)
			i += 2
			continue
		}
		end := strings.IndexByte(s[i+1:], marker)
		if end < 0 {
			b.WriteByte(c)
			i++
			continue
		}
		j := i + 1 + end
		// A closing marker followed by another marker belongs to a doubled
		// pair; do not split it.
		if j+1 < len(s) && s[j+1] == marker {
			b.WriteByte(c)
			i++
			continue
		}
		inner := s[i+1 : j]
		if inner == "" {
			b.WriteByte(c)
			i++
			continue
		}
		b.WriteString(openTag)
		b.WriteString(inner)
		b.WriteString(closeTag)
		i = j + 1
	}
	return b.String()
}
