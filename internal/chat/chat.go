// Package chat describes the capabilities the core needs from a chat transport.
package chat

import "context"

// Button is an inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Markup is a declarative keyboard. Inline and Reply are mutually exclusive.
type Markup struct {
	Inline      [][]Button
	Reply       [][]string
	RemoveReply bool
}

// Transport sends messages on behalf of the bot.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string, m *Markup) (int, error)
	SendPhoto(ctx context.Context, chatID int64, png []byte, caption string, m *Markup) (int, error)
	SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string, m *Markup) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// Row builds one inline keyboard row.
func Row(buttons ...Button) []Button {
	return buttons
}

// Inline wraps rows into an inline markup.
func Inline(rows ...[]Button) *Markup {
	return &Markup{Inline: rows}
}

// Data is an inline callback button.
func Data(text, data string) Button {
	return Button{Text: text, Data: data}
}

// Link is an inline URL button.
func Link(text, url string) Button {
	return Button{Text: text, URL: url}
}
