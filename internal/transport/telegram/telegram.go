// Package telegram is the Telegram transport: it sends operator messages and
// routes a small set of slash commands back into the daemon.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "crawlsched/internal/runtime/supervisor"
	kit "crawlsched/internal/transport"
	logx "crawlsched/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	ctx     context.Context

	allowMu sync.RWMutex
	allowed map[string]struct{}
}

var _ kit.Sender = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b, ctx: context.Background()}, nil
}

// SetAllowedChats limits inbound commands to the given chats. With no chats
// every command is ignored.
func (a *Adapter) SetAllowedChats(chats []string) {
	m := make(map[string]struct{}, len(chats))
	for _, c := range chats {
		if c = strings.TrimSpace(c); c != "" {
			m[c] = struct{}{}
		}
	}
	a.allowMu.Lock()
	a.allowed = m
	a.allowMu.Unlock()
}

func (a *Adapter) chatAllowed(c *tele.Chat) bool {
	if c == nil {
		return false
	}
	a.allowMu.RLock()
	defer a.allowMu.RUnlock()
	if _, ok := a.allowed[strconv.FormatInt(c.ID, 10)]; ok {
		return true
	}
	if c.Username != "" {
		_, ok := a.allowed["@"+c.Username]
		return ok
	}
	return false
}

// Handle registers a "/name" command. Call before Start.
func (a *Adapter) Handle(name string, h kit.CommandHandler) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	a.bot.Handle("/"+name, func(c tele.Context) error {
		chat := c.Chat()
		if !a.chatAllowed(chat) {
			if chat != nil {
				a.log.Debug("command from unlisted chat ignored", logx.String("cmd", name), logx.Int64("chat", chat.ID))
			}
			return nil
		}
		cmd := kit.Command{
			Chat: strconv.FormatInt(chat.ID, 10),
			Name: name,
			Args: c.Args(),
		}
		if m := c.Message(); m != nil {
			cmd.ThreadID = m.ThreadID
		}
		if s := c.Sender(); s != nil {
			cmd.FromID = s.ID
		}

		a.runMu.Lock()
		ctx := a.ctx
		a.runMu.Unlock()
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		reply, err := h(ctx, cmd)
		if err != nil {
			reply = "error: " + err.Error()
		}
		if reply == "" {
			return nil
		}
		_, err = a.SendText(ctx, kit.ChatTarget{Chat: cmd.Chat, ThreadID: cmd.ThreadID}, reply, nil)
		return err
	})
}

// Start begins long polling under a restarting supervisor.
func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.ctx = a.sup.Context()
	sup := a.sup

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})
	// bot.Start blocks until Stop; restart it if it returns while still running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("telegram poller exited")
	})
}

// Stop never blocks shutdown for long on a pending getUpdates call.
func (a *Adapter) Stop(ctx context.Context) {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.running = false
	a.ctx = context.Background()
	a.runMu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop", logx.Err(err))
	}
}

// recipient accepts a numeric chat ID or an "@channel" username.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func parseRecipient(chat string) (tele.Recipient, error) {
	chat = strings.TrimSpace(chat)
	if chat == "" {
		return nil, errors.New("empty chat")
	}
	if strings.HasPrefix(chat, "@") {
		return recipient(chat), nil
	}
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return nil, errors.New("chat must be a numeric id or @username: " + chat)
	}
	return tele.ChatID(id), nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	rcpt, err := parseRecipient(to.Chat)
	if err != nil {
		return kit.MessageRef{}, err
	}

	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(rcpt, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{Chat: to.Chat, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// splitText cuts long messages into chunks Telegram accepts. It prefers
// newline boundaries and, for HTML, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
