package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/stouffer-labs/topside/internal/ai"
	"github.com/stouffer-labs/topside/internal/domain"
	"github.com/stouffer-labs/topside/internal/provider"
)

// respond runs one assistant turn: stream the reply to the UI, extract
// buttons, accumulate usage, and maybe auto-copy a code answer. The
// caller has already set aiInFlight; this clears it. A stale epoch means
// the session was cancelled or replaced mid-call, in which case the
// result is discarded silently.
func (o *Orchestrator) respond(sess *session, epoch int, messages []domain.Message, shot *domain.Screenshot, win *domain.WindowInfo) {
	o.events.Thinking()

	req := provider.ConverseRequest{
		Messages:     messages,
		Screenshot:   shot,
		Window:       win,
		SystemPrompt: o.cfg.SystemPrompt,
		Model:        o.cfg.Model,
	}
	onChunk := func(cumulative string) {
		o.mu.Lock()
		current := epoch == o.epoch
		o.mu.Unlock()
		if current {
			o.events.StreamingChunk(cumulative)
		}
	}

	result, err := o.ai.Converse(context.Background(), req, onChunk)

	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		return
	}
	o.aiInFlight = false

	if err != nil {
		detail := o.truncate(err.Error())
		buttons := o.errorButtons(err)
		sess.messages = append(sess.messages, domain.Message{
			Role:    domain.RoleAssistant,
			Content: "Something went wrong: " + detail,
			Buttons: buttons,
			IsError: true,
		})
		o.mu.Unlock()

		o.log.Error("assistant call failed", "err", err, "kind", provider.KindOf(err))
		o.events.ErrorOccurred(domain.ErrorCodeAssistant, detail, buttons)
		o.recoverCredentials(err)
		return
	}

	content, buttons := ai.ParseResponse(result.Text)
	msg := domain.Message{Role: domain.RoleAssistant, Content: content, Buttons: buttons}
	sess.messages = append(sess.messages, msg)
	sess.usage.Add(result.Usage)
	usage := sess.usage
	o.mu.Unlock()

	o.log.Info("assistant round complete",
		"inputTokens", usage.InputTokens, "outputTokens", usage.OutputTokens)
	o.events.RoundComplete(msg)
	o.autoCopy(content)
}

// autoCopy puts a lone fenced code block on the clipboard when the reply
// is essentially just that block.
func (o *Orchestrator) autoCopy(content string) {
	if o.clipboard == nil {
		return
	}
	block, ok := ai.CodeBlockForCopy(content, o.cfg.AutoCopyProse)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.clipboard.SetText(ctx, block); err != nil {
		o.log.Warn("auto-copy failed", "err", err)
		o.events.ErrorOccurred(domain.ErrorCodeClipboard, o.truncate(err.Error()), nil)
		return
	}
	o.events.AutoCopied(block)
}

// HandleButton treats a clicked follow-up button as the next user input.
// "Try again" is special-cased to retry the last user turn after an
// error; any other label becomes a fresh user message.
func (o *Orchestrator) HandleButton(label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}

	o.mu.Lock()
	if o.state != domain.SessionStateConversing || o.sess == nil || o.aiInFlight || o.finalizing {
		o.mu.Unlock()
		return
	}
	sess := o.sess
	epoch := o.epoch

	if strings.EqualFold(label, "Try again") {
		// drop trailing error turns so the retry sends a clean history
		for len(sess.messages) > 0 {
			last := sess.messages[len(sess.messages)-1]
			if last.Role == domain.RoleAssistant && last.IsError {
				sess.messages = sess.messages[:len(sess.messages)-1]
				continue
			}
			break
		}
		if len(sess.messages) == 0 || sess.messages[len(sess.messages)-1].Role != domain.RoleUser {
			o.mu.Unlock()
			return
		}
	} else {
		sess.messages = append(sess.messages, domain.Message{Role: domain.RoleUser, Content: label})
	}

	o.aiInFlight = true
	messages := append([]domain.Message(nil), sess.messages...)
	shot, win := sess.screenshot, sess.window
	o.mu.Unlock()

	go o.respond(sess, epoch, messages, shot, win)
}
