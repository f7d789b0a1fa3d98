package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zhaopengme/mobclaw/pkg/message"
	"github.com/zhaopengme/mobclaw/pkg/signal"
)

// ErrQuestionCancelled resolves questions ended by a terminal answer, a
// newer question to the same correspondent, or shutdown.
var ErrQuestionCancelled = errors.New("question cancelled")

var yesAnswers = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yup": true, "yep": true,
	"ye": true, "sure": true, "ok": true, "okay": true, "affirmative": true,
}

var noAnswers = map[string]bool{
	"no": true, "n": true, "nope": true, "nah": true, "negative": true,
}

// terminalAnswers consistently cancel whatever question is outstanding.
var terminalAnswers = map[string]bool{
	"exit": true, "cancel": true, "stop": true, "no": true, "none": true,
}

// questionTable suspends handlers awaiting a later message from the same
// correspondent. One outstanding question per (correspondent, kind);
// installing a newer one cancels the older.
type questionTable struct {
	mu            sync.Mutex
	confirmations map[string]chan bool
	answers       map[string]chan *message.Message
}

func newQuestionTable() *questionTable {
	return &questionTable{
		confirmations: make(map[string]chan bool),
		answers:       make(map[string]chan *message.Message),
	}
}

func (q *questionTable) installConfirmation(who string) chan bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.confirmations[who]; ok {
		close(old)
	}
	ch := make(chan bool, 1)
	q.confirmations[who] = ch
	return ch
}

func (q *questionTable) installAnswer(who string) chan *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.answers[who]; ok {
		close(old)
	}
	ch := make(chan *message.Message, 1)
	q.answers[who] = ch
	return ch
}

// removeConfirmation uninstalls ch if it is still the outstanding question.
func (q *questionTable) removeConfirmation(who string, ch chan bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.confirmations[who] == ch {
		delete(q.confirmations, who)
	}
}

func (q *questionTable) removeAnswer(who string, ch chan *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.answers[who] == ch {
		delete(q.answers, who)
	}
}

// takeConfirmation pops the pending confirmation for either of msg's
// identifiers.
func (q *questionTable) takeConfirmation(msg *message.Message) (chan bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, who := range []string{msg.Source, msg.UUID} {
		if who == "" {
			continue
		}
		if ch, ok := q.confirmations[who]; ok {
			delete(q.confirmations, who)
			return ch, true
		}
	}
	return nil, false
}

func (q *questionTable) takeAnswer(msg *message.Message) (chan *message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, who := range []string{msg.Source, msg.UUID} {
		if who == "" {
			continue
		}
		if ch, ok := q.answers[who]; ok {
			delete(q.answers, who)
			return ch, true
		}
	}
	return nil, false
}

// intercept offers msg to a pending question. Returns true when the message
// was consumed by the question and must not reach normal dispatch.
func (q *questionTable) intercept(msg *message.Message) bool {
	if msg.Kind != message.KindData {
		return false
	}

	if ch, ok := q.takeConfirmation(msg); ok {
		switch {
		case yesAnswers[msg.Arg0]:
			ch <- true
			close(ch)
			return true
		case noAnswers[msg.Arg0] || terminalAnswers[msg.Arg0]:
			ch <- false
			close(ch)
			return true
		default:
			// Not an answer: resolve negative but let the message
			// reach dispatch.
			ch <- false
			close(ch)
			return false
		}
	}

	if ch, ok := q.takeAnswer(msg); ok {
		ch <- msg
		close(ch)
		return true
	}

	return false
}

// cancelAll closes every outstanding question. Used at shutdown.
func (q *questionTable) cancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for who, ch := range q.confirmations {
		close(ch)
		delete(q.confirmations, who)
	}
	for who, ch := range q.answers {
		close(ch)
		delete(q.answers, who)
	}
}

// Choice is one option of a multiple-choice question.
type Choice struct {
	Key   string
	Label string
}

func (b *Bot) sendPrompt(who, text string) error {
	_, err := b.sender.SendMessage(text, signal.SendOpts{Recipient: who})
	return err
}

// AskYesNo sends prompt to who and suspends until they answer. A
// yes-synonym resolves true; a no-synonym resolves false; anything else
// resolves false and the message additionally goes through normal dispatch.
func (b *Bot) AskYesNo(ctx context.Context, who, prompt string) (bool, error) {
	ch := b.questions.installConfirmation(who)
	if err := b.sendPrompt(who, prompt); err != nil {
		b.questions.removeConfirmation(who, ch)
		return false, err
	}

	select {
	case v, ok := <-ch:
		if !ok {
			return false, ErrQuestionCancelled
		}
		return v, nil
	case <-ctx.Done():
		b.questions.removeConfirmation(who, ch)
		return false, ctx.Err()
	}
}

// AskFreeform sends prompt to who and resolves with the raw text of their
// next message. Terminal answers resolve to ""; callers treat that as
// cancellation.
func (b *Bot) AskFreeform(ctx context.Context, who, prompt string) (string, error) {
	ch := b.questions.installAnswer(who)
	if err := b.sendPrompt(who, prompt); err != nil {
		b.questions.removeAnswer(who, ch)
		return "", err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return "", ErrQuestionCancelled
		}
		if terminalAnswers[msg.Arg0] {
			return "", nil
		}
		return strings.TrimSpace(msg.FullText), nil
	case <-ctx.Done():
		b.questions.removeAnswer(who, ch)
		return "", ctx.Err()
	}
}

// AskMultipleChoice presents enumerated options and resolves with the chosen
// one, accepting the option key or a unique close match on the label.
// Unrecognized answers re-prompt; with requireConfirmation a declined
// confirmation re-prompts too.
func (b *Bot) AskMultipleChoice(ctx context.Context, who, prompt string, options []Choice, requireConfirmation bool) (Choice, error) {
	var sb strings.Builder
	sb.WriteString(prompt)
	for _, opt := range options {
		fmt.Fprintf(&sb, "\n%s) %s", opt.Key, opt.Label)
	}
	menu := sb.String()

	for {
		answer, err := b.AskFreeform(ctx, who, menu)
		if err != nil {
			return Choice{}, err
		}
		if answer == "" {
			return Choice{}, ErrQuestionCancelled
		}

		chosen, ok := matchChoice(answer, options)
		if !ok {
			menu = "Please answer with one of the listed options.\n" + sb.String()
			continue
		}

		if requireConfirmation {
			yes, err := b.AskYesNo(ctx, who, fmt.Sprintf("You picked %q. Is that right?", chosen.Label))
			if err != nil {
				return Choice{}, err
			}
			if !yes {
				menu = sb.String()
				continue
			}
		}
		return chosen, nil
	}
}

func matchChoice(answer string, options []Choice) (Choice, bool) {
	lowered := strings.ToLower(answer)
	for _, opt := range options {
		if strings.EqualFold(opt.Key, answer) {
			return opt, true
		}
	}

	labels := make([]string, len(options))
	byLabel := make(map[string]Choice, len(options))
	for i, opt := range options {
		label := strings.ToLower(opt.Label)
		labels[i] = label
		byLabel[label] = opt
	}
	if label, ok := closestMatch(lowered, labels, 0.3); ok {
		return byLabel[label], true
	}
	if label, ok := uniquePrefix(lowered, labels); ok {
		return byLabel[label], true
	}
	return Choice{}, false
}

// AskAddress captures a non-empty free-form address. With
// requireConfirmation it re-prompts until the correspondent accepts what
// they typed.
func (b *Bot) AskAddress(ctx context.Context, who string, requireConfirmation bool) (string, error) {
	prompt := "Please enter an address:"
	for {
		answer, err := b.AskFreeform(ctx, who, prompt)
		if err != nil {
			return "", err
		}
		if answer == "" {
			return "", ErrQuestionCancelled
		}
		if !requireConfirmation {
			return answer, nil
		}
		yes, err := b.AskYesNo(ctx, who, fmt.Sprintf("Got %q. Is that correct?", answer))
		if err != nil {
			return "", err
		}
		if yes {
			return answer, nil
		}
		prompt = "Okay, let's try again. Please enter an address:"
	}
}
