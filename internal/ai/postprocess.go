package ai

import (
	"regexp"
	"strings"
)

// controlTokens are model end-of-sequence markers that occasionally
// survive into chat output.
var controlTokens = []string{
	"<|end|>",
	"<|eot_id|>",
	"<|im_end|>",
	"<|endoftext|>",
	"</s>",
	"[EOS]",
}

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// preamblePrefixes are generic scene-setting openers stripped from the
// start of responses. Multiple can stack, hence the iterative passes.
var preamblePrefixes = []string{
	"i can see ",
	"i see ",
	"based on ",
	"looking at ",
	"here's the command",
	"here is the command",
	"from the screenshot",
	"in the screenshot",
}

// StripControlTokens removes end-of-sequence and reasoning-trace tokens.
// Applied to the final text and to every streamed chunk.
func StripControlTokens(text string) string {
	text = thinkBlockRe.ReplaceAllString(text, "")
	for _, token := range controlTokens {
		text = strings.ReplaceAll(text, token, "")
	}
	return text
}

const preamblePasses = 3

// StripPreambles drops stacked scene-setting openers, removing at most
// one leading sentence per pass.
func StripPreambles(text string) string {
	for i := 0; i < preamblePasses; i++ {
		trimmed := strings.TrimSpace(text)
		lower := strings.ToLower(trimmed)

		matched := false
		for _, prefix := range preamblePrefixes {
			if strings.HasPrefix(lower, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return trimmed
		}

		cut := firstSentenceEnd(trimmed)
		if cut < 0 {
			return trimmed
		}
		text = trimmed[cut:]
	}
	return strings.TrimSpace(text)
}

// firstSentenceEnd returns the index just past the first sentence
// terminator, or -1 when the whole text is one unterminated sentence.
func firstSentenceEnd(text string) int {
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', ':', '!':
			return i + 1
		case '\n':
			return i + 1
		}
	}
	return -1
}

var (
	buttonsTagRe      = regexp.MustCompile(`(?s)\[BUTTONS:\s*(.*?)\]\s*$`)
	buttonsPartialRe  = regexp.MustCompile(`\[BUTTONS:[^\]]*$`)
	quotedLabelRe     = regexp.MustCompile(`"([^"]+)"`)
	bracketedLabelRe  = regexp.MustCompile(`^\[([^\[\]]+)\]$`)
	bracketedInlineRe = regexp.MustCompile(`\[([^\[\]]+)\]`)
)

const (
	maxBareButtons   = 4
	minBareButtons   = 2
	maxButtonWords   = 5
	minBracketTokens = 2
)

// ExtractButtons splits raw assistant output into visible content and
// trailing follow-up button labels. Strategies, in priority order: an
// explicit [BUTTONS: ...] tag, consecutive bracketed [Label] tokens,
// bare short trailing lines, and finally cleanup of a tag truncated by
// a token limit.
func ExtractButtons(raw string) (string, []string) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", nil
	}

	if match := buttonsTagRe.FindStringSubmatchIndex(text); match != nil {
		inner := text[match[2]:match[3]]
		var buttons []string
		for _, m := range quotedLabelRe.FindAllStringSubmatch(inner, -1) {
			if label := strings.TrimSpace(m[1]); label != "" {
				buttons = append(buttons, label)
			}
		}
		content := strings.TrimSpace(text[:match[0]])
		if len(buttons) > 0 {
			return content, buttons
		}
		return content, nil
	}

	if content, buttons := trailingBracketed(text); len(buttons) >= minBracketTokens {
		return content, buttons
	}

	if content, buttons := trailingBareLines(text); buttons != nil {
		return content, buttons
	}

	// A tag cut off mid-stream is stripped rather than displayed.
	if loc := buttonsPartialRe.FindStringIndex(text); loc != nil {
		return strings.TrimSpace(text[:loc[0]]), nil
	}

	return text, nil
}

// trailingBracketed matches two-or-more [Label] tokens at the end,
// either one per line or space-separated on the final line.
func trailingBracketed(text string) (string, []string) {
	lines := strings.Split(text, "\n")

	// One bracketed label per line, from the bottom up.
	var buttons []string
	end := len(lines)
	for end > 0 {
		line := strings.TrimSpace(lines[end-1])
		if line == "" {
			end--
			continue
		}
		m := bracketedLabelRe.FindStringSubmatch(line)
		if m == nil {
			break
		}
		buttons = append([]string{strings.TrimSpace(m[1])}, buttons...)
		end--
	}
	if len(buttons) >= minBracketTokens {
		return strings.TrimSpace(strings.Join(lines[:end], "\n")), buttons
	}

	// Space-separated tokens on one trailing line.
	last := strings.TrimSpace(lines[len(lines)-1])
	matches := bracketedInlineRe.FindAllStringSubmatch(last, -1)
	if len(matches) >= minBracketTokens && isOnlyBracketTokens(last) {
		labels := make([]string, 0, len(matches))
		for _, m := range matches {
			labels = append(labels, strings.TrimSpace(m[1]))
		}
		return strings.TrimSpace(strings.Join(lines[:len(lines)-1], "\n")), labels
	}

	return text, nil
}

func isOnlyBracketTokens(line string) bool {
	rest := bracketedInlineRe.ReplaceAllString(line, "")
	return strings.TrimSpace(rest) == ""
}

// trailingBareLines handles models that forget brackets entirely:
// two-to-four short trailing lines with no terminal punctuation become
// buttons, provided some content remains above them.
func trailingBareLines(text string) (string, []string) {
	if strings.Contains(text, "```") {
		// Code answers commonly end in short unpunctuated lines.
		return text, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) < minBareButtons+1 {
		return text, nil
	}

	var buttons []string
	end := len(lines)
	for end > 1 && len(buttons) < maxBareButtons {
		line := strings.TrimSpace(lines[end-1])
		if !isBareButtonLine(line) {
			break
		}
		buttons = append([]string{line}, buttons...)
		end--
	}

	if len(buttons) < minBareButtons {
		return text, nil
	}
	content := strings.TrimSpace(strings.Join(lines[:end], "\n"))
	if content == "" {
		return text, nil
	}
	return content, buttons
}

func isBareButtonLine(line string) bool {
	if line == "" || strings.ContainsAny(line, "[]") {
		return false
	}
	if strings.ContainsAny(string(line[len(line)-1]), ".!?:;,") {
		return false
	}
	return len(strings.Fields(line)) <= maxButtonWords
}

// ParseResponse turns raw model output into visible content plus
// follow-up buttons.
func ParseResponse(raw string) (string, []string) {
	text := strings.TrimSpace(StripControlTokens(raw))
	content, buttons := ExtractButtons(text)
	content = StripPreambles(content)
	return content, buttons
}

var fencedBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n?(.*?)```")

// CodeBlockForCopy reports whether the response is a single clean
// fenced code block with minimal surrounding prose, and if so returns
// the block body for auto-copying.
func CodeBlockForCopy(content string, proseBudget int) (string, bool) {
	matches := fencedBlockRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) != 1 {
		return "", false
	}

	m := matches[0]
	outside := strings.TrimSpace(content[:m[0]] + content[m[1]:])
	if len(outside) > proseBudget {
		return "", false
	}

	block := strings.Trim(content[m[2]:m[3]], "\n")
	if strings.TrimSpace(block) == "" {
		return "", false
	}
	return block, true
}
