package ai

import (
	"reflect"
	"testing"
)

func TestExtractButtonsTag(t *testing.T) {
	t.Parallel()

	content, buttons := ExtractButtons("Run the migration first.\n[BUTTONS: \"Show the command\", \"Explain the risk\"]")
	if content != "Run the migration first." {
		t.Fatalf("unexpected content: %q", content)
	}
	if !reflect.DeepEqual(buttons, []string{"Show the command", "Explain the risk"}) {
		t.Fatalf("unexpected buttons: %v", buttons)
	}
}

func TestExtractButtonsBracketedLines(t *testing.T) {
	t.Parallel()

	content, buttons := ExtractButtons("The build failed on step 3.\n[Show full log]\n[Retry build]")
	if content != "The build failed on step 3." {
		t.Fatalf("unexpected content: %q", content)
	}
	if !reflect.DeepEqual(buttons, []string{"Show full log", "Retry build"}) {
		t.Fatalf("unexpected buttons: %v", buttons)
	}
}

func TestExtractButtonsBracketedInline(t *testing.T) {
	t.Parallel()

	content, buttons := ExtractButtons("Disk is nearly full.\n[Clean caches] [Show largest files]")
	if content != "Disk is nearly full." {
		t.Fatalf("unexpected content: %q", content)
	}
	if !reflect.DeepEqual(buttons, []string{"Clean caches", "Show largest files"}) {
		t.Fatalf("unexpected buttons: %v", buttons)
	}
}

func TestExtractButtonsSingleBracketIsNotAButton(t *testing.T) {
	t.Parallel()

	content, buttons := ExtractButtons("Edit the [name] placeholder in the file.")
	if buttons != nil {
		t.Fatalf("single inline bracket must not become a button: %v", buttons)
	}
	if content != "Edit the [name] placeholder in the file." {
		t.Fatalf("content altered: %q", content)
	}
}

func TestExtractButtonsBareTrailingLines(t *testing.T) {
	t.Parallel()

	content, buttons := ExtractButtons("You can free space by pruning old images.\nShow disk usage\nPrune now")
	if content != "You can free space by pruning old images." {
		t.Fatalf("unexpected content: %q", content)
	}
	if !reflect.DeepEqual(buttons, []string{"Show disk usage", "Prune now"}) {
		t.Fatalf("unexpected buttons: %v", buttons)
	}
}

func TestExtractButtonsBareLinesNeedContent(t *testing.T) {
	t.Parallel()

	content, buttons := ExtractButtons("First line\nSecond line\nThird line")
	// the first line must survive as content, so at most two buttons here
	if content == "" {
		t.Fatalf("content must not be consumed entirely")
	}
	if len(buttons) > 2 {
		t.Fatalf("too many buttons: %v", buttons)
	}
}

func TestExtractButtonsSkipsBareLinesInCodeAnswers(t *testing.T) {
	t.Parallel()

	raw := "```sh\ndocker system prune\n```\nline one\nline two"
	content, buttons := ExtractButtons(raw)
	if buttons != nil {
		t.Fatalf("code answers must not sprout buttons: %v", buttons)
	}
	if content != raw {
		t.Fatalf("content altered: %q", content)
	}
}

func TestExtractButtonsPunctuatedLinesAreContent(t *testing.T) {
	t.Parallel()

	_, buttons := ExtractButtons("Summary of findings.\nThe cache is stale.\nThe index is missing.")
	if buttons != nil {
		t.Fatalf("punctuated lines are prose, got buttons %v", buttons)
	}
}

func TestExtractButtonsTruncatedTag(t *testing.T) {
	t.Parallel()

	content, buttons := ExtractButtons("Restart the daemon.\n[BUTTONS: \"Show stat")
	if content != "Restart the daemon." {
		t.Fatalf("truncated tag should be stripped, got %q", content)
	}
	if buttons != nil {
		t.Fatalf("truncated tag yields no buttons, got %v", buttons)
	}
}

func TestStripControlTokens(t *testing.T) {
	t.Parallel()

	got := StripControlTokens("<think>reasoning goes here</think>The answer is 42.<|im_end|>")
	if got != "The answer is 42." {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestStripPreamblesStacked(t *testing.T) {
	t.Parallel()

	got := StripPreambles("Looking at your screen. Based on the error. Run the installer again.")
	if got != "Run the installer again." {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestStripPreamblesKeepsUnterminatedSentence(t *testing.T) {
	t.Parallel()

	in := "I can see a terminal with a failing build"
	if got := StripPreambles(in); got != in {
		t.Fatalf("unterminated opener must be kept: %q", got)
	}
}

func TestStripPreamblesLeavesNormalText(t *testing.T) {
	t.Parallel()

	in := "Run `make clean` and retry."
	if got := StripPreambles(in); got != in {
		t.Fatalf("normal text altered: %q", got)
	}
}

func TestParseResponseFullPipeline(t *testing.T) {
	t.Parallel()

	raw := "I can see an editor with a stack trace. Add a nil check before the call.<|end|>\n[BUTTONS: \"Show the fix\"]"
	content, buttons := ParseResponse(raw)
	if content != "Add a nil check before the call." {
		t.Fatalf("unexpected content: %q", content)
	}
	if !reflect.DeepEqual(buttons, []string{"Show the fix"}) {
		t.Fatalf("unexpected buttons: %v", buttons)
	}
}

func TestCodeBlockForCopy(t *testing.T) {
	t.Parallel()

	block, ok := CodeBlockForCopy("Run this:\n```sh\nls -la\n```", 120)
	if !ok || block != "ls -la" {
		t.Fatalf("expected copyable block, got %q ok=%v", block, ok)
	}
}

func TestCodeBlockForCopyRejectsLongProse(t *testing.T) {
	t.Parallel()

	prose := "This explanation is deliberately much longer than the prose budget allows, " +
		"going on and on about background, caveats, alternatives, and history."
	if _, ok := CodeBlockForCopy(prose+"\n```sh\nls\n```", 120); ok {
		t.Fatalf("long prose must block auto-copy")
	}
}

func TestCodeBlockForCopyRejectsMultipleBlocks(t *testing.T) {
	t.Parallel()

	if _, ok := CodeBlockForCopy("```sh\na\n```\n```sh\nb\n```", 120); ok {
		t.Fatalf("multiple blocks must block auto-copy")
	}
}

func TestCodeBlockForCopyRejectsEmptyBlock(t *testing.T) {
	t.Parallel()

	if _, ok := CodeBlockForCopy("```\n\n```", 120); ok {
		t.Fatalf("empty block must not be copied")
	}
}
