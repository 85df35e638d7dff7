package forward

import (
	"context"
	"errors"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	tele "gopkg.in/telebot.v4"
)

// Target is a chat, optionally a forum topic inside it.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Sender delivers one formatted message.
type Sender interface {
	Send(ctx context.Context, to Target, html string) error
}

// Telegram sends through the Bot API. It never polls for updates.
type Telegram struct {
	bot *tele.Bot
}

// NewTelegram builds a sender for token. With offline set the token is not
// verified against the API at construction time.
func NewTelegram(token string, timeout time.Duration, offline bool) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = timeout
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Client:  hc,
		Offline: offline,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, to Target, html string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, html, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              to.ThreadID,
	})
	return err
}
