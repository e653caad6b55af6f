// Package status defines the fire-and-forget status broadcast channel
// between the proxy supervisor and whatever front-end is watching it.
//
// The supervisor emits every lifecycle event (port discovered, retrying,
// process died, gave up) regardless of whether the overall start call
// eventually succeeds. Callers that need live status subscribe to a
// Broadcaster; inferring health from Run()'s return value alone misses
// the intermediate transitions.
package status

import "github.com/rs/zerolog"

// Level classifies a broadcast message.
type Level string

const (
	// LevelInfo marks routine lifecycle messages.
	LevelInfo Level = "info"

	// LevelError marks failures and abnormal process output.
	LevelError Level = "error"
)

// Message is one broadcast status update.
type Message struct {
	// Level is the message severity.
	Level Level `json:"level"`

	// Text is the human-readable message body.
	Text string `json:"message"`
}

// Broadcaster receives status messages from a proxy session.
// Broadcast is fire-and-forget: implementations must not block the
// supervisor and have no return value to consume.
type Broadcaster interface {
	Broadcast(msg Message)
}

// LogBroadcaster renders broadcast messages through a zerolog logger,
// tagging each entry with the cluster it belongs to.
type LogBroadcaster struct {
	logger  zerolog.Logger
	cluster string
}

// NewLogBroadcaster creates a LogBroadcaster writing to the given logger.
func NewLogBroadcaster(logger zerolog.Logger, cluster string) *LogBroadcaster {
	return &LogBroadcaster{logger: logger, cluster: cluster}
}

// Broadcast logs the message at the zerolog level matching its severity.
func (b *LogBroadcaster) Broadcast(msg Message) {
	evt := b.logger.Info()
	if msg.Level == LevelError {
		evt = b.logger.Error()
	}
	evt.Str("cluster", b.cluster).Msg(msg.Text)
}

// ChannelBroadcaster buffers broadcast messages on a channel for
// consumers that want to render them live (the CLI run command, tests).
//
// Broadcast never blocks: when the buffer is full the message is
// dropped, honoring the fire-and-forget contract over completeness.
type ChannelBroadcaster struct {
	ch chan Message
}

// NewChannelBroadcaster creates a ChannelBroadcaster with the given
// buffer capacity.
func NewChannelBroadcaster(capacity int) *ChannelBroadcaster {
	return &ChannelBroadcaster{ch: make(chan Message, capacity)}
}

// Broadcast enqueues the message, dropping it if the buffer is full.
func (b *ChannelBroadcaster) Broadcast(msg Message) {
	select {
	case b.ch <- msg:
	default:
	}
}

// Messages returns the receive side of the buffer.
func (b *ChannelBroadcaster) Messages() <-chan Message {
	return b.ch
}

// Fanout forwards each message to every wrapped broadcaster in order.
type Fanout []Broadcaster

// Broadcast sends the message to all members.
func (f Fanout) Broadcast(msg Message) {
	for _, b := range f {
		b.Broadcast(msg)
	}
}

// Info is a convenience constructor for an info-level message.
func Info(text string) Message {
	return Message{Level: LevelInfo, Text: text}
}

// Error is a convenience constructor for an error-level message.
func Error(text string) Message {
	return Message{Level: LevelError, Text: text}
}
