package nexus

// ============================================================================
// Topic naming scheme
// ============================================================================
//
// Topic names are routing keys and must match the server byte for byte.
// There is exactly one scheme per channel kind:
//
//	consumption.<deviceId>            realtime readings (monitoring channel)
//	chat.<userId>                     per-user support chat (chat channel)
//	chat.admin                        administrative broadcast (chat channel)
//	notifications.device.<deviceId>   overconsumption alerts (chat channel)

const (
	topicChatAdmin = "chat.admin"

	// DestinationSendMessage is the single outbound publish destination.
	DestinationSendMessage = "app.sendMessage"
)

// TopicConsumption returns the routing key for a device's realtime readings.
func TopicConsumption(deviceID string) string {
	return "consumption." + deviceID
}

// TopicChat returns the routing key for a user's support chat.
func TopicChat(userID string) string {
	return "chat." + userID
}

// TopicChatAdmin returns the administrative broadcast routing key.
func TopicChatAdmin() string {
	return topicChatAdmin
}

// TopicDeviceAlerts returns the routing key for a device's overconsumption
// alerts.
func TopicDeviceAlerts(deviceID string) string {
	return "notifications.device." + deviceID
}
