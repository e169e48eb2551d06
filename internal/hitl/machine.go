// Package hitl coordinates agent runs with the human-in-the-loop approval
// workflow: it turns inbound Telegram updates into engine invocations,
// persists paused runs in the approval ledger, and resumes them when a
// decision callback arrives.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quailyquaily/morphgate/agent"
	"github.com/quailyquaily/morphgate/internal/ledger"
	"github.com/quailyquaily/morphgate/internal/telegram"
)

// User-visible texts. Kept short and non-technical.
const (
	msgBotSender        = "🤖 I don't respond to other bots. If you're a human, please use a regular account!"
	msgGenericFailure   = "Sorry, something went wrong. Please try again later."
	msgPhotoFailure     = "Sorry, I couldn't process that image. Please try again or send a different image."
	msgDocumentFailure  = "Sorry, I couldn't process that document. Please try again or send a different file."
	msgApprovalExpired  = "⚠️ This approval request has expired. Please try your request again."
	toastApproved       = "✅ Approved"
	toastRejected       = "❌ Rejected"
	toastExpired        = "⚠️ This approval has expired"
	toastCallbackFailed = "❌ Error processing approval"
)

// Engine is the agent surface the machine drives.
type Engine interface {
	Run(ctx context.Context, input agent.Input, uc agent.UserContext, sess agent.Session) (*agent.RunResult, error)
	Resume(ctx context.Context, state *agent.RunState, uc agent.UserContext, sess agent.Session) (*agent.RunResult, error)
}

// Messenger is the outbound Telegram surface the machine uses.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessageMarkdownV2(ctx context.Context, chatID int64, text string) error
	SendApprovalRequest(ctx context.Context, chatID int64, toolName, arguments, approvalID string) error
	AnswerCallbackQuery(ctx context.Context, callbackQueryID, text string) error
	FileURL(ctx context.Context, fileID string) (string, error)
}

// Sessions hands out the per-chat conversation log.
type Sessions interface {
	Session(chatID int64) agent.Session
}

type Machine struct {
	engine    Engine
	ledger    *ledger.Ledger
	sessions  Sessions
	messenger Messenger
	log       *slog.Logger
}

func NewMachine(engine Engine, lgr *ledger.Ledger, sessions Sessions, messenger Messenger, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		engine:    engine,
		ledger:    lgr,
		sessions:  sessions,
		messenger: messenger,
		log:       log,
	}
}

// ProcessMessage handles one inbound message update end to end: modality
// extraction, engine run, and either the final reply or an approval prompt.
func (m *Machine) ProcessMessage(ctx context.Context, update *telegram.Update) error {
	chatID := update.ChatID()
	if chatID == 0 {
		m.log.Warn("update_without_chat", "update_id", update.UpdateID)
		return nil
	}

	sender := update.Sender()
	uc := agent.UserContext{ChatID: chatID, FirstName: "User"}
	if sender != nil {
		if name := strings.TrimSpace(sender.FirstName); name != "" {
			uc.FirstName = name
		}
		uc.IsBot = sender.IsBot
	}
	log := m.log.With("chat_id", chatID, "update_id", update.UpdateID)

	if uc.IsBot {
		log.Info("bot_sender_ignored", "sender", telegram.DisplayName(sender))
		return m.messenger.SendMessage(ctx, chatID, msgBotSender)
	}

	input, err := m.extractInput(ctx, update)
	if err != nil {
		var modErr *ModalityExtractionError
		if errors.As(err, &modErr) {
			log.Error("modality_extraction_failed", "kind", modErr.Kind, "error", modErr.Err.Error())
			return m.messenger.SendMessage(ctx, chatID, modErr.UserMessage())
		}
		return err
	}
	if input.Empty() {
		log.Warn("update_without_input")
		return nil
	}

	sess := m.sessions.Session(chatID)
	result, err := m.engine.Run(ctx, input, uc, sess)
	if err != nil {
		if errors.Is(err, agent.ErrGuardrailTriggered) {
			log.Info("guardrail_triggered")
			m.rollback(sess, 1, log)
			return m.messenger.SendMessage(ctx, chatID,
				fmt.Sprintf("I'm sorry %s, I can't help with that. Please ask me about something else.", uc.FirstName))
		}
		log.Error("run_failed", "error", err.Error())
		m.rollback(sess, 1, log)
		return m.messenger.SendMessage(ctx, chatID, msgGenericFailure)
	}

	return m.deliver(ctx, chatID, uc, sess, result, log, 1)
}

// ProcessCallback handles an approve/reject button press: ledger lookup,
// decision application, resume, and unconditional single-use cleanup.
func (m *Machine) ProcessCallback(ctx context.Context, update *telegram.Update) error {
	cb := update.CallbackQuery
	if cb == nil {
		return fmt.Errorf("update has no callback query")
	}
	chatID := update.ChatID()
	log := m.log.With("chat_id", chatID, "callback_id", cb.ID)

	action, approvalID, ok := strings.Cut(cb.Data, ":")
	if !ok || (action != "approve" && action != "reject") {
		log.Warn("callback_data_invalid", "data", cb.Data)
		return m.messenger.AnswerCallbackQuery(ctx, cb.ID, toastCallbackFailed)
	}
	log = log.With("approval_id", approvalID, "action", action)

	uc := agent.UserContext{ChatID: chatID, FirstName: "User"}
	if cb.From != nil {
		if name := strings.TrimSpace(cb.From.FirstName); name != "" {
			uc.FirstName = name
		}
		uc.IsBot = cb.From.IsBot
	}
	sess := m.sessions.Session(chatID)

	entry, err := m.ledger.Get(ctx, approvalID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			// Terminal and idempotent: replays of an expired decision
			// always land here.
			log.Info("approval_expired")
			_ = m.messenger.AnswerCallbackQuery(ctx, cb.ID, toastExpired)
			return m.messenger.SendMessage(ctx, chatID, msgApprovalExpired)
		}
		log.Error("approval_lookup_failed", "error", err.Error())
		_ = m.messenger.AnswerCallbackQuery(ctx, cb.ID, toastCallbackFailed)
		return m.messenger.SendMessage(ctx, chatID, msgGenericFailure)
	}

	state, err := agent.RestoreState(entry.State)
	if err != nil {
		// Undecodable state is as good as gone.
		log.Error("approval_state_corrupt", "error", err.Error())
		_ = m.ledger.Delete(ctx, approvalID)
		_ = m.messenger.AnswerCallbackQuery(ctx, cb.ID, toastExpired)
		return m.messenger.SendMessage(ctx, chatID, msgApprovalExpired)
	}

	interruptions := state.Interruptions()
	if len(interruptions) == 0 {
		log.Warn("approval_without_interruptions")
		_ = m.ledger.Delete(ctx, approvalID)
		_ = m.messenger.AnswerCallbackQuery(ctx, cb.ID, toastExpired)
		return m.messenger.SendMessage(ctx, chatID, msgApprovalExpired)
	}

	// The decision applies to the first listed interruption of the
	// retrieved state; the approval ID alone carries the context.
	if action == "approve" {
		state.Approve(interruptions[0])
		_ = m.messenger.AnswerCallbackQuery(ctx, cb.ID, toastApproved)
	} else {
		state.Reject(interruptions[0])
		_ = m.messenger.AnswerCallbackQuery(ctx, cb.ID, toastRejected)
	}

	// Single use: the entry is deleted whatever the resume does.
	defer func() {
		if err := m.ledger.Delete(ctx, approvalID); err != nil {
			log.Error("approval_cleanup_failed", "error", err.Error())
		}
	}()

	log.Info("resuming_run", "tool", interruptions[0].Name)
	result, err := m.engine.Resume(ctx, state, uc, sess)
	if err != nil {
		log.Error("resume_failed", "error", err.Error())
		// The decision turn plus the dangling user turn.
		m.rollback(sess, 2, log)
		return m.messenger.SendMessage(ctx, chatID, msgGenericFailure)
	}

	return m.deliver(ctx, chatID, uc, sess, result, log, 2)
}

// deliver routes an engine result: a completed run sends the final answer,
// an interrupted one persists the state and offers a new approval.
// rollbackDepth is how many session turns to undo when delivery of an
// approval offer fails.
func (m *Machine) deliver(ctx context.Context, chatID int64, uc agent.UserContext, sess agent.Session, result *agent.RunResult, log *slog.Logger, rollbackDepth int) error {
	if !result.Interrupted() {
		log.Info("run_completed", "output_len", len(result.Output))
		return m.messenger.SendMessageMarkdownV2(ctx, chatID, result.Output)
	}

	intr := result.Interruptions[0]
	raw, err := result.State().Serialize()
	if err != nil {
		log.Error("state_serialize_failed", "error", err.Error())
		m.rollback(sess, rollbackDepth, log)
		return m.messenger.SendMessage(ctx, chatID, msgGenericFailure)
	}

	approvalID, err := m.ledger.Put(ctx, chatID, raw)
	if err != nil {
		// The gated tool call is never silently approved or retried.
		log.Error("approval_store_failed", "error", err.Error())
		m.rollback(sess, rollbackDepth, log)
		return m.messenger.SendMessage(ctx, chatID, msgGenericFailure)
	}

	log.Info("approval_requested", "approval_id", approvalID, "tool", intr.Name)
	return m.messenger.SendApprovalRequest(ctx, chatID, intr.Name, intr.Arguments, approvalID)
}

// ModalityExtractionError wraps a failure to resolve an attachment to a
// fetchable reference.
type ModalityExtractionError struct {
	Kind string // "image" | "file"
	Err  error
}

func (e *ModalityExtractionError) Error() string {
	return fmt.Sprintf("extract %s attachment: %v", e.Kind, e.Err)
}

func (e *ModalityExtractionError) Unwrap() error { return e.Err }

func (e *ModalityExtractionError) UserMessage() string {
	if e.Kind == "image" {
		return msgPhotoFailure
	}
	return msgDocumentFailure
}

// extractInput builds the engine input from an update. Photos win over
// documents; plain text is the fallback.
func (m *Machine) extractInput(ctx context.Context, update *telegram.Update) (agent.Input, error) {
	if att := update.BestAttachment(); att != nil {
		fileURL, err := m.messenger.FileURL(ctx, att.FileID)
		if err != nil {
			return agent.Input{}, &ModalityExtractionError{Kind: att.Kind, Err: err}
		}
		return agent.Input{Text: att.Caption, FileURL: fileURL, FileKind: att.Kind}, nil
	}
	return agent.Input{Text: strings.TrimSpace(update.Text())}, nil
}

func (m *Machine) rollback(sess agent.Session, n int, log *slog.Logger) {
	if err := sess.PopLast(n); err != nil {
		log.Error("history_rollback_failed", "turns", n, "error", err.Error())
	}
}
