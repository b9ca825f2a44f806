package realtime

import "strings"

// ErrorTopic carries per-user error notices from the server.
const ErrorTopic = "user.queue.errors"

// ChatTopic is the broadcast feed for one chat.
func ChatTopic(chatID string) string { return "topic.chat." + chatID }

// SendTopic is where outbound messages for one chat are published.
func SendTopic(chatID string) string { return "app.chat." + chatID + ".send" }

// chatIDFromTopic returns the chat id of a chat feed topic.
func chatIDFromTopic(topic string) (string, bool) {
	id := strings.TrimPrefix(topic, "topic.chat.")
	if id == topic || id == "" {
		return "", false
	}
	return id, true
}

// stompDestination maps a bus name onto a STOMP destination:
// topic.chat.7 → /topic/chat/7.
func stompDestination(topic string) string {
	return "/" + strings.ReplaceAll(topic, ".", "/")
}

// topicFromDestination is the inverse of stompDestination.
func topicFromDestination(dest string) string {
	return strings.ReplaceAll(strings.TrimPrefix(dest, "/"), "/", ".")
}
