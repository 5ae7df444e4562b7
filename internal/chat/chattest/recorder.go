// Package chattest provides an in-memory chat.Transport for tests.
package chattest

import (
	"VPN-Reseller-bot/internal/chat"
	"context"
	"strings"
	"sync"
)

// Kind of recorded message.
const (
	KindText     = "text"
	KindPhoto    = "photo"
	KindDocument = "document"
	KindEdit     = "edit"
	KindDelete   = "delete"
	KindCallback = "callback"
)

// Message is one recorded transport call.
type Message struct {
	Kind      string
	ChatID    int64
	MessageID int
	Text      string
	Name      string
	Data      []byte
	Markup    *chat.Markup
}

// Recorder implements chat.Transport and keeps every call in memory.
type Recorder struct {
	mu       sync.Mutex
	nextID   int
	messages []Message
	// Fail maps chat ids to the error returned for sends to that chat.
	Fail  map[int64]error
	Files map[string][]byte
}

func New() *Recorder {
	return &Recorder{Fail: make(map[int64]error), Files: make(map[string][]byte)}
}

func (r *Recorder) record(m Message) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.Fail[m.ChatID]; ok && m.Kind != KindCallback {
		return 0, err
	}
	r.nextID++
	if m.MessageID == 0 {
		m.MessageID = r.nextID
	}
	r.messages = append(r.messages, m)
	return m.MessageID, nil
}

func (r *Recorder) SendText(_ context.Context, chatID int64, text string, m *chat.Markup) (int, error) {
	return r.record(Message{Kind: KindText, ChatID: chatID, Text: text, Markup: m})
}

func (r *Recorder) SendPhoto(_ context.Context, chatID int64, png []byte, caption string, m *chat.Markup) (int, error) {
	return r.record(Message{Kind: KindPhoto, ChatID: chatID, Text: caption, Data: png, Markup: m})
}

func (r *Recorder) SendDocument(_ context.Context, chatID int64, name string, data []byte, caption string) (int, error) {
	return r.record(Message{Kind: KindDocument, ChatID: chatID, Name: name, Data: data, Text: caption})
}

func (r *Recorder) EditText(_ context.Context, chatID int64, messageID int, text string, m *chat.Markup) error {
	_, err := r.record(Message{Kind: KindEdit, ChatID: chatID, MessageID: messageID, Text: text, Markup: m})
	return err
}

func (r *Recorder) Delete(_ context.Context, chatID int64, messageID int) error {
	_, err := r.record(Message{Kind: KindDelete, ChatID: chatID, MessageID: messageID})
	return err
}

func (r *Recorder) AnswerCallback(_ context.Context, callbackID, text string) error {
	_, err := r.record(Message{Kind: KindCallback, Name: callbackID, Text: text})
	return err
}

func (r *Recorder) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Files[fileID], nil
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// To returns the messages of the given kinds sent to chatID. No kinds means all kinds.
func (r *Recorder) To(chatID int64, kinds ...string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.ChatID != chatID {
			continue
		}
		if len(kinds) == 0 || contains(kinds, m.Kind) {
			out = append(out, m)
		}
	}
	return out
}

// Containing returns the messages whose text contains substr.
func (r *Recorder) Containing(substr string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if strings.Contains(m.Text, substr) {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
