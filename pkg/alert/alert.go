// Package alert forwards operator-facing ledger events to a Discord channel.
// Manual-withdrawal flags and swap failures need a human in the loop, the
// alerter is how they find out.
package alert

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/ferryfi/ferry/pkg/transport"
)

// Sink posts one notification. Split from the event loop so tests can swap
// Discord out.
type Sink interface {
	Notify(title, message string) error
	Close() error
}

type discordSink struct {
	session   *discordgo.Session
	channelID string
}

func NewDiscordSink(token, channelID string) (Sink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}
	return &discordSink{session: session, channelID: channelID}, nil
}

func (d *discordSink) Notify(title, message string) error {
	_, err := d.session.ChannelMessageSendEmbed(d.channelID, &discordgo.MessageEmbed{
		Title:       title,
		Description: message,
	})
	return err
}

func (d *discordSink) Close() error {
	return d.session.Close()
}

// Alerter watches the bus for events that need operator attention.
type Alerter struct {
	logger *zap.Logger
	bus    transport.Bus
	sink   Sink

	quit chan struct{}
	wg   sync.WaitGroup
}

func New(bus transport.Bus, sink Sink, logger *zap.Logger) *Alerter {
	return &Alerter{
		logger: logger.With(zap.String("component", "alert")),
		bus:    bus,
		sink:   sink,
		quit:   make(chan struct{}),
	}
}

func (a *Alerter) Start() {
	events, unsubscribe := a.bus.Subscribe(64)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsubscribe()
		for {
			select {
			case event := <-events:
				a.handle(event)
			case <-a.quit:
				return
			}
		}
	}()
}

func (a *Alerter) Stop() {
	close(a.quit)
	a.wg.Wait()
	if err := a.sink.Close(); err != nil {
		a.logger.Error("close sink", zap.Error(err))
	}
}

func (a *Alerter) handle(event transport.Event) {
	var title string
	switch event.Name {
	case transport.OrderError:
		title = "Swap needs attention"
	case transport.OrderExpired:
		title = "Order expired unfilled"
	default:
		return
	}
	message := fmt.Sprintf("order %s: %v", event.OrderID, event.Payload)
	if err := a.sink.Notify(title, message); err != nil {
		a.logger.Error("notify", zap.Error(err), zap.String("order", event.OrderID))
	}
}
