package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Channel identifies a notification service.
type Channel string

const (
	ChannelSlack    Channel = "slack"
	ChannelTelegram Channel = "telegram"
	ChannelSMTP     Channel = "smtp"
)

// Target is one configured destination. Only the fields relevant to its
// Channel are read.
type Target struct {
	Channel Channel `yaml:"channel" json:"channel"`

	// slack
	WebhookURL string `yaml:"webhook_url" json:"webhook_url,omitempty"`
	SlackRoom  string `yaml:"slack_channel" json:"slack_channel,omitempty"`

	// telegram
	BotToken string `yaml:"bot_token" json:"-"`
	ChatID   string `yaml:"chat_id" json:"chat_id,omitempty"`

	// smtp
	Host     string `yaml:"host" json:"host,omitempty"`
	Port     int    `yaml:"port" json:"port,omitempty"`
	From     string `yaml:"from" json:"from,omitempty"`
	Password string `yaml:"password" json:"-"`
	To       string `yaml:"to" json:"to,omitempty"`
	Subject  string `yaml:"subject" json:"subject,omitempty"`
}

// Sender delivers messages to an external service.
type Sender interface {
	// Type returns the channel this sender handles.
	Type() Channel
	// Send delivers a message to target.
	Send(ctx context.Context, target *Target, message string) error
}

// SenderRegistry maps channels to their senders.
type SenderRegistry struct {
	mu      sync.RWMutex
	senders map[Channel]Sender
}

func NewSenderRegistry() *SenderRegistry {
	return &SenderRegistry{senders: make(map[Channel]Sender)}
}

// NewDefaultRegistry registers the Slack, Telegram and SMTP senders.
func NewDefaultRegistry() *SenderRegistry {
	r := NewSenderRegistry()
	r.Register(&SlackSender{})
	r.Register(&TelegramSender{})
	r.Register(&SMTPSender{})
	return r
}

// Register adds a sender for a channel.
func (r *SenderRegistry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Type()] = s
}

// Get returns the sender for the given channel.
func (r *SenderRegistry) Get(ch Channel) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel %q", ch)
	}
	return s, nil
}

// Notifier fans a message out to every configured target.
type Notifier struct {
	registry *SenderRegistry
	targets  []Target
}

// NewNotifier returns nil when there are no targets; a nil Notifier is a no-op.
func NewNotifier(registry *SenderRegistry, targets []Target) *Notifier {
	if len(targets) == 0 {
		return nil
	}
	return &Notifier{registry: registry, targets: targets}
}

// Broadcast sends message to all targets. Failures are logged and joined;
// one failing target does not stop the others.
func (n *Notifier) Broadcast(ctx context.Context, message string) error {
	if n == nil {
		return nil
	}
	var errs []error
	for i := range n.targets {
		t := &n.targets[i]
		s, err := n.registry.Get(t.Channel)
		if err == nil {
			err = s.Send(ctx, t, message)
		}
		if err != nil {
			slog.Warn("notification failed", "channel", t.Channel, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
