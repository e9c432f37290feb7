// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relayfmt converts message text between the Markdown used inside
// the relay and the HTML used by Matrix.
package relayfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	htmlStrongRe     = regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`)
	htmlEmRe         = regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`)
	htmlDelRe        = regexp.MustCompile(`(?s)<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`)
	htmlCodeRe       = regexp.MustCompile(`<code>(.*?)</code>`)
	htmlPreRe        = regexp.MustCompile(`(?s)<pre><code(?: class="language-([\w+-]+)")?>(.*?)</code></pre>`)
	htmlPillRe       = regexp.MustCompile(`<a href="https://matrix\.to/#/(@[^"]+)"[^>]*>(.*?)</a>`)
	htmlLinkRe       = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	htmlBrRe         = regexp.MustCompile(`<br\s*/?>`)
	htmlBlockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	htmlHeadingRe    = regexp.MustCompile(`<h([1-6])>(.*?)</h[1-6]>`)
	htmlULRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	htmlOLRe         = regexp.MustCompile(`(?s)<ol(?: start="(\d+)")?>(.*?)</ol>`)
	htmlLIRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	htmlPRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	htmlReplyRe      = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	htmlTagRe        = regexp.MustCompile(`<[^>]+>`)
)

// MatrixToMarkdown converts the content of a Matrix message to Markdown. Reply
// fallbacks are removed, since replies are carried as a reply parent instead.
func MatrixToMarkdown(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return StripReplyFallback(content.Body)
	}
	return HTMLToMarkdown(content.FormattedBody)
}

// HTMLToMarkdown converts Matrix HTML to Markdown.
func HTMLToMarkdown(text string) string {
	text = htmlReplyRe.ReplaceAllString(text, "")

	text = htmlPreRe.ReplaceAllString(text, "```$1\n$2\n```")
	text = htmlCodeRe.ReplaceAllString(text, "`$1`")

	text = htmlStrongRe.ReplaceAllString(text, "**$1**")
	text = htmlEmRe.ReplaceAllString(text, "_${1}_")
	text = htmlDelRe.ReplaceAllString(text, "~~$1~~")

	// User pills become plain mentions of the display name.
	text = htmlPillRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := htmlPillRe.FindStringSubmatch(match)
		name := parts[2]
		if name == "" {
			name = parts[1]
		}
		if !strings.HasPrefix(name, "@") {
			name = "@" + name
		}
		return name
	})
	text = htmlLinkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := htmlLinkRe.FindStringSubmatch(match)
		if parts[2] == parts[1] {
			return parts[1]
		}
		return "[" + parts[2] + "](" + parts[1] + ")"
	})

	text = htmlHeadingRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := htmlHeadingRe.FindStringSubmatch(match)
		level, _ := strconv.Atoi(parts[1])
		return strings.Repeat("#", level) + " " + parts[2]
	})

	text = htmlBlockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		inner := htmlBlockquoteRe.FindStringSubmatch(match)[1]
		inner = htmlPRe.ReplaceAllString(inner, "$1\n")
		inner = htmlBrRe.ReplaceAllString(inner, "\n")
		lines := strings.Split(strings.TrimSpace(inner), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n")
	})

	text = htmlULRe.ReplaceAllStringFunc(text, func(match string) string {
		var items []string
		for _, item := range htmlLIRe.FindAllStringSubmatch(match, -1) {
			items = append(items, "- "+strings.TrimSpace(item[1]))
		}
		return strings.Join(items, "\n")
	})
	text = htmlOLRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := htmlOLRe.FindStringSubmatch(match)
		start := 1
		if parts[1] != "" {
			start, _ = strconv.Atoi(parts[1])
		}
		var items []string
		for i, item := range htmlLIRe.FindAllStringSubmatch(parts[2], -1) {
			items = append(items, strconv.Itoa(start+i)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(items, "\n")
	})

	text = htmlPRe.ReplaceAllString(text, "$1\n\n")
	text = htmlBrRe.ReplaceAllString(text, "\n")
	text = htmlTagRe.ReplaceAllString(text, "")

	return strings.TrimSpace(html.UnescapeString(text))
}

// StripReplyFallback removes the quoted "> <@user> ..." lines Matrix clients
// prepend to the plain body of replies.
func StripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> <") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
