package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MinChatGap is the minimum delay between two outbound messages to the same chat.
const MinChatGap = 50 * time.Millisecond

// Telegram adapts a tgbotapi.BotAPI to Transport.
type Telegram struct {
	api  *tgbotapi.BotAPI
	http *http.Client

	mu   sync.Mutex
	last map[int64]time.Time
}

func NewTelegram(api *tgbotapi.BotAPI) *Telegram {
	return &Telegram{
		api:  api,
		http: &http.Client{Timeout: 30 * time.Second},
		last: make(map[int64]time.Time),
	}
}

// API exposes the underlying client for the polling loop.
func (t *Telegram) API() *tgbotapi.BotAPI {
	return t.api
}

// pace blocks until MinChatGap has passed since the previous message to chatID.
func (t *Telegram) pace(ctx context.Context, chatID int64) error {
	t.mu.Lock()
	now := time.Now()
	next := t.last[chatID].Add(MinChatGap)
	if next.Before(now) {
		next = now
	}
	t.last[chatID] = next
	t.mu.Unlock()

	if wait := time.Until(next); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ctx.Err()
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string, m *Markup) (int, error) {
	if err := t.pace(ctx, chatID); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if rm := replyMarkup(m); rm != nil {
		msg.ReplyMarkup = rm
	}
	sent, err := t.api.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *Telegram) SendPhoto(ctx context.Context, chatID int64, png []byte, caption string, m *Markup) (int, error) {
	if err := t.pace(ctx, chatID); err != nil {
		return 0, err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "qr.png", Bytes: png})
	photo.Caption = caption
	if rm := replyMarkup(m); rm != nil {
		photo.ReplyMarkup = rm
	}
	sent, err := t.api.Send(photo)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *Telegram) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) (int, error) {
	if err := t.pace(ctx, chatID); err != nil {
		return 0, err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption
	sent, err := t.api.Send(doc)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *Telegram) EditText(ctx context.Context, chatID int64, messageID int, text string, m *Markup) error {
	if err := t.pace(ctx, chatID); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if m != nil && len(m.Inline) > 0 {
		kb := inlineKeyboard(m.Inline)
		edit.ReplyMarkup = &kb
	}
	_, err := t.api.Request(edit)
	return err
}

func (t *Telegram) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return err
}

func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.api.Request(tgbotapi.NewCallback(callbackID, text))
	return err
}

func (t *Telegram) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := t.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 20<<20))
}

func replyMarkup(m *Markup) interface{} {
	switch {
	case m == nil:
		return nil
	case len(m.Inline) > 0:
		return inlineKeyboard(m.Inline)
	case len(m.Reply) > 0:
		rows := make([][]tgbotapi.KeyboardButton, 0, len(m.Reply))
		for _, r := range m.Reply {
			row := make([]tgbotapi.KeyboardButton, 0, len(r))
			for _, label := range r {
				row = append(row, tgbotapi.NewKeyboardButton(label))
			}
			rows = append(rows, tgbotapi.NewKeyboardButtonRow(row...))
		}
		kb := tgbotapi.NewReplyKeyboard(rows...)
		kb.ResizeKeyboard = true
		return kb
	case m.RemoveReply:
		return tgbotapi.NewRemoveKeyboard(true)
	}
	return nil
}

func inlineKeyboard(rows [][]Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, r := range rows {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
		for _, b := range r {
			if b.URL != "" {
				row = append(row, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
			}
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(row...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}
