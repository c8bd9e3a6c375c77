// Package channel defines the interface for conversation channels.
// Channels are how the assistant talks to the world — the terminal,
// Matrix, future transports.
package channel

import "context"

// Message represents an incoming utterance from any channel.
type Message struct {
	// Source identifies the channel (e.g., "cli", "matrix")
	Source string

	// SenderID is the channel-specific sender identifier
	SenderID string

	// RoomID is the channel-specific room/conversation identifier
	RoomID string

	// Content is the utterance text
	Content string

	// IsVoice indicates this was transcribed from audio
	IsVoice bool

	// Timestamp is the message timestamp in milliseconds
	Timestamp int64
}

// Response represents an outgoing reply to a channel.
type Response struct {
	// Content is the text to deliver
	Content string

	// RoomID is the target room/conversation
	RoomID string

	// Speak marks the reply as suitable for speech synthesis. Channels
	// without audio output may render it however they like.
	Speak bool
}

// Channel is the interface for a conversation channel.
type Channel interface {
	// Name returns the channel identifier (e.g., "matrix").
	Name() string

	// Start begins listening for utterances. Blocks until ctx is cancelled.
	// Received messages are sent to the handler function.
	Start(ctx context.Context, handler MessageHandler) error

	// Send delivers a reply to a specific room on this channel.
	Send(ctx context.Context, resp Response) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// MessageHandler is called when an utterance arrives from any channel.
type MessageHandler func(ctx context.Context, msg Message) error
