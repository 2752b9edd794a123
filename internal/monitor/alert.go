package monitor

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
)

// maxMessageRunes stays under Telegram's 4096 character message limit.
const maxMessageRunes = 4000

// Sender is the part of the bot API used for alerts.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter posts alerts to one admin chat.
type TelegramAlerter struct {
	tg     Sender
	chatID int64
	log    *logging.Logger
}

// NewTelegramAlerter logs in with token. An empty token or chat disables alerts.
func NewTelegramAlerter(token string, chatID int64, log *logging.Logger) (*TelegramAlerter, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	api.Debug = false
	log.Infof("monitor: alerts go to chat %d via @%s", chatID, api.Self.UserName)
	return NewAlerter(api, chatID, log), nil
}

func NewAlerter(tg Sender, chatID int64, log *logging.Logger) *TelegramAlerter {
	return &TelegramAlerter{tg: tg, chatID: chatID, log: log}
}

func (a *TelegramAlerter) Alert(text string) {
	if r := []rune(text); len(r) > maxMessageRunes {
		text = string(r[:maxMessageRunes]) + "…"
	}
	if _, err := a.tg.Send(tgbotapi.NewMessage(a.chatID, text)); err != nil {
		a.log.Warnf("monitor: alert not delivered: %v", err)
	}
}

// AlertSink raises an alert for failures an operator has to look at:
// encoding, internal and device memory errors. Bad input is not alerted.
type AlertSink struct {
	Alerter   Alerter
	ErrorsLog string // tail of this file is attached when set
}

func (s AlertSink) JobUpdated(model.MediaJob) {}

func (s AlertSink) JobDone(model.MediaJob) {}

func (s AlertSink) JobFailed(job model.MediaJob, err error) {
	switch model.KindOf(err) {
	case model.KindEncoding, model.KindInternal, model.KindInferenceOOM:
	default:
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "job %s failed in %s\n%v", job.ID, job.Error.Stage, err)
	if s.ErrorsLog != "" {
		if lines, tailErr := TailLastNLines(s.ErrorsLog, 5); tailErr == nil && len(lines) > 0 {
			b.WriteString("\n\nerrors.log:\n")
			b.WriteString(strings.Join(lines, "\n"))
		}
	}
	s.Alerter.Alert(b.String())
}

// TailLastNLines returns up to n trailing lines of path.
func TailLastNLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]string, 0, n)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}
