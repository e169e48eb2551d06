package telegram

import "strings"

// ChatID finds the chat an update belongs to, whatever its shape. Zero
// means no chat could be determined.
func (u *Update) ChatID() int64 {
	switch {
	case u == nil:
		return 0
	case u.Message != nil && u.Message.Chat != nil:
		return u.Message.Chat.ID
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil && u.CallbackQuery.Message.Chat != nil:
		return u.CallbackQuery.Message.Chat.ID
	case u.EditedMessage != nil && u.EditedMessage.Chat != nil:
		return u.EditedMessage.Chat.ID
	}
	return 0
}

// Sender finds the user who triggered the update.
func (u *Update) Sender() *User {
	switch {
	case u == nil:
		return nil
	case u.Message != nil && u.Message.From != nil:
		return u.Message.From
	case u.CallbackQuery != nil && u.CallbackQuery.From != nil:
		return u.CallbackQuery.From
	case u.EditedMessage != nil && u.EditedMessage.From != nil:
		return u.EditedMessage.From
	}
	return nil
}

// Text returns the update's textual payload: message text, callback data,
// or edited-message text.
func (u *Update) Text() string {
	switch {
	case u == nil:
		return ""
	case u.Message != nil:
		return u.Message.Text
	case u.CallbackQuery != nil:
		return u.CallbackQuery.Data
	case u.EditedMessage != nil:
		return u.EditedMessage.Text
	}
	return ""
}

// Attachment is a photo or document resolved from a message, plus the
// caption that accompanied it.
type Attachment struct {
	FileID  string
	Kind    string // "image" | "file"
	Caption string
}

// BestAttachment returns the preferred attachment of the update's message.
// Photos win over documents; for photos the largest rendition is used.
func (u *Update) BestAttachment() *Attachment {
	if u == nil || u.Message == nil {
		return nil
	}
	msg := u.Message
	if len(msg.Photo) > 0 {
		// Telegram lists photo sizes smallest first.
		best := msg.Photo[len(msg.Photo)-1]
		return &Attachment{FileID: best.FileID, Kind: "image", Caption: strings.TrimSpace(msg.Caption)}
	}
	if msg.Document != nil && strings.TrimSpace(msg.Document.FileID) != "" {
		return &Attachment{FileID: msg.Document.FileID, Kind: "file", Caption: strings.TrimSpace(msg.Caption)}
	}
	return nil
}
