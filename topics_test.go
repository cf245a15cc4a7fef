package nexus

import "testing"

func TestTopicNames(t *testing.T) {
	cases := []struct {
		got  string
		want string
	}{
		{TopicConsumption("dev-42"), "consumption.dev-42"},
		{TopicChat("user-7"), "chat.user-7"},
		{TopicChatAdmin(), "chat.admin"},
		{TopicDeviceAlerts("dev-42"), "notifications.device.dev-42"},
		{DestinationSendMessage, "app.sendMessage"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Fatalf("expected %q, got %q", c.want, c.got)
		}
	}
}
