package redis

import "strings"

const (
	channelPrefix        = "channel:"
	channelUpdatedSuffix = ":updated"
)

// ChannelUpdatedTopic is published when a channel's rule overrides change.
func ChannelUpdatedTopic(channelID string) string {
	return channelPrefix + channelID + channelUpdatedSuffix
}

// ChannelUpdatedPattern matches every ChannelUpdatedTopic.
const ChannelUpdatedPattern = channelPrefix + "*" + channelUpdatedSuffix

// ChannelFromTopic extracts the channel id from a ChannelUpdatedTopic.
func ChannelFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, channelPrefix) || !strings.HasSuffix(topic, channelUpdatedSuffix) {
		return "", false
	}
	id := topic[len(channelPrefix) : len(topic)-len(channelUpdatedSuffix)]
	return id, id != ""
}

// RateLimitKey namespaces event submission rate-limit keys per channel.
func RateLimitKey(channelID, kind, subject string) string {
	return "ratelimit:" + channelID + ":" + kind + ":" + subject
}
