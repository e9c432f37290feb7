// Copyright 2024-2026 Aiku AI

package relayfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	mdBoldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalicRe     = regexp.MustCompile(`(^|[^\w*])_(.+?)_([^\w*]|$)`)
	mdStrikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	mdCodeRe       = regexp.MustCompile("`([^`\n]+)`")
	mdCodeBlockRe  = regexp.MustCompile("(?s)```([\\w+-]+)?\\n?(.*?)```")
	mdLinkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	mdHeadingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	mdULRe         = regexp.MustCompile(`^[-*]\s+(.+)$`)
	mdOLRe         = regexp.MustCompile(`^(\d+)\.\s+(.+)$`)
	mdBlockquoteRe = regexp.MustCompile(`^>\s?(.*)$`)
)

// placeholder delimits extracted code spans. It is stripped from the input.
const placeholder = "\x00"

// Rendered is Markdown rendered for Matrix. FormattedBody is empty when the
// text has no formatting.
type Rendered struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// Content returns a text message event content for r.
func (r *Rendered) Content(msgType event.MessageType) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: msgType, Body: r.Body}
	if r.FormattedBody != "" {
		content.Format = r.Format
		content.FormattedBody = r.FormattedBody
	}
	return content
}

func hasMarkdown(text string) bool {
	if mdBoldRe.MatchString(text) || mdItalicRe.MatchString(text) || mdStrikeRe.MatchString(text) ||
		mdCodeRe.MatchString(text) || mdCodeBlockRe.MatchString(text) || mdLinkRe.MatchString(text) {
		return true
	}
	for _, line := range strings.Split(text, "\n") {
		if mdHeadingRe.MatchString(line) || mdULRe.MatchString(line) || mdOLRe.MatchString(line) || mdBlockquoteRe.MatchString(line) {
			return true
		}
	}
	return false
}

// MarkdownToHTML renders chat Markdown as Matrix HTML. Only http, https and
// mailto links become anchors.
func MarkdownToHTML(text string) *Rendered {
	if text == "" || !hasMarkdown(text) {
		return &Rendered{Body: text}
	}

	var blocks []string
	stash := func(rendered string) string {
		blocks = append(blocks, rendered)
		return placeholder + strconv.Itoa(len(blocks)-1) + placeholder
	}

	processed := strings.ReplaceAll(text, placeholder, "")
	processed = mdCodeBlockRe.ReplaceAllStringFunc(processed, func(match string) string {
		parts := mdCodeBlockRe.FindStringSubmatch(match)
		code := html.EscapeString(parts[2])
		if parts[1] != "" {
			return stash(`<pre><code class="language-` + html.EscapeString(parts[1]) + `">` + code + `</code></pre>`)
		}
		return stash(`<pre><code>` + code + `</code></pre>`)
	})
	processed = mdCodeRe.ReplaceAllStringFunc(processed, func(match string) string {
		return stash("<code>" + html.EscapeString(mdCodeRe.FindStringSubmatch(match)[1]) + "</code>")
	})

	var out []string
	var list struct {
		tag   string
		start string
		items []string
	}
	var quote []string
	flush := func() {
		if len(list.items) > 0 {
			open := "<" + list.tag + ">"
			if list.tag == "ol" && list.start != "1" {
				open = `<ol start="` + list.start + `">`
			}
			out = append(out, open+strings.Join(list.items, "")+"</"+list.tag+">")
			list.items, list.tag = nil, ""
		}
		if len(quote) > 0 {
			out = append(out, "<blockquote>"+strings.Join(quote, "<br/>")+"</blockquote>")
			quote = nil
		}
	}

	for _, line := range strings.Split(processed, "\n") {
		if m := mdBlockquoteRe.FindStringSubmatch(line); m != nil {
			if list.tag != "" {
				flush()
			}
			quote = append(quote, renderInline(m[1]))
			continue
		}
		if m := mdHeadingRe.FindStringSubmatch(line); m != nil {
			flush()
			level := strconv.Itoa(len(m[1]))
			out = append(out, "<h"+level+">"+renderInline(m[2])+"</h"+level+">")
			continue
		}
		if m := mdULRe.FindStringSubmatch(line); m != nil {
			if list.tag != "ul" {
				flush()
				list.tag = "ul"
			}
			list.items = append(list.items, "<li>"+renderInline(m[1])+"</li>")
			continue
		}
		if m := mdOLRe.FindStringSubmatch(line); m != nil {
			if list.tag != "ol" {
				flush()
				list.tag, list.start = "ol", m[1]
			}
			list.items = append(list.items, "<li>"+renderInline(m[2])+"</li>")
			continue
		}
		flush()
		out = append(out, renderInline(line))
	}
	flush()

	formatted := strings.Join(out, "\n")
	if strings.Contains(formatted, "\n\n") {
		formatted = "<p>" + strings.ReplaceAll(formatted, "\n\n", "</p><p>") + "</p>"
	}
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	// Inline code may have captured a code block placeholder, so restore the
	// newest first.
	for i := len(blocks) - 1; i >= 0; i-- {
		formatted = strings.Replace(formatted, placeholder+strconv.Itoa(i)+placeholder, blocks[i], 1)
	}

	return &Rendered{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

// renderInline escapes one line and applies inline formatting.
func renderInline(line string) string {
	line = html.EscapeString(line)
	line = mdBoldRe.ReplaceAllString(line, "<strong>$1</strong>")
	// Twice, since adjacent matches share their delimiter.
	for i := 0; i < 2; i++ {
		line = mdItalicRe.ReplaceAllString(line, "$1<em>$2</em>$3")
	}
	line = mdStrikeRe.ReplaceAllString(line, "<del>$1</del>")
	return mdLinkRe.ReplaceAllStringFunc(line, func(match string) string {
		parts := mdLinkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + label + `</a>`
		}
		return label
	})
}
