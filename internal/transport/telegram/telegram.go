// Package telegram implements transport.Sender on top of telebot.
package telegram

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"voebot/internal/transport"
	logx "voebot/pkg/logx"
)

type Config struct {
	Token  string
	APIURL string
}

// Sender sends plain outgoing messages. It never polls for updates.
type Sender struct {
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimSpace(cfg.APIURL),
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log, bot: b}, nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and never ends a MarkdownV2 chunk on a dangling escape.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if parseMode == transport.ParseModeMarkdownV2 && end < len(rs) && end-1 > start && rs[end-1] == '\\' {
			end--
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (s *Sender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			s.log.Debug("telegram send failed", logx.Int64("chat_id", to.ChatID), logx.Int("chunk", i), logx.Err(err))
			return first, mapError(err)
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

var (
	statusRe     = regexp.MustCompile(`\((\d{3})\)\s*$`)
	retryAfterRe = regexp.MustCompile(`retry after (\d+)`)
)

// mapError converts telebot failures into *transport.SendError so the
// notifier can classify them without knowing about telebot.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var fep *tele.FloodError
	if errors.As(err, &fep) && fep != nil {
		return &transport.SendError{Code: 429, Description: "Too Many Requests", RetryAfter: time.Duration(fep.RetryAfter) * time.Second, Err: err}
	}

	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		return &transport.SendError{Code: te.Code, Description: te.Description, Err: err}
	}

	// telebot reports unknown API errors as "telegram: <description> (<code>)".
	msg := err.Error()
	if m := statusRe.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		desc := strings.TrimSpace(strings.TrimPrefix(statusRe.ReplaceAllString(msg, ""), "telegram:"))
		se := &transport.SendError{Code: code, Description: desc, Err: err}
		if ra := retryAfterRe.FindStringSubmatch(msg); ra != nil {
			n, _ := strconv.Atoi(ra[1])
			se.RetryAfter = time.Duration(n) * time.Second
		}
		return se
	}
	return err
}
