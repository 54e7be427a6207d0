package protocol

import "strings"

// Destinations used by the chat room. Commands are published by clients and
// fanned out by the broker to the topics.
const (
	PublicTopic           = "/chatroom/public"
	MessageCommand        = "/app/message"
	PrivateMessageCommand = "/app/private-message"

	privateTopicPrefix = "/user/"
	privateTopicSuffix = "/private"
)

// BroadcastKey selects the public feed when picking a conversation.
const BroadcastKey Identity = "CHATROOM"

// PrivateTopic returns the addressed topic of a user.
func PrivateTopic(id Identity) string {
	return privateTopicPrefix + string(id) + privateTopicSuffix
}

// ParsePrivateTopic extracts the owner of an addressed topic.
func ParsePrivateTopic(destination string) (Identity, bool) {
	rest, ok := strings.CutPrefix(destination, privateTopicPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, privateTopicSuffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return Identity(id), true
}

// CommandFor returns the command destination a message is published to.
func CommandFor(m ChatMessage) string {
	if m.Addressed() {
		return PrivateMessageCommand
	}
	return MessageCommand
}
