package push

// The methods below implement the keyed channel update used by registries
// that persist a node with read-modify-write. Each reports whether it
// changed the node.

// AddChannel subscribes the node to (appToken, channelID). Re-subscribing an
// existing pair is a no-op and keeps its version.
func (n *Node) AddChannel(appToken, channelID string) bool {
	for _, c := range n.Channels {
		if c.AppToken == appToken && c.ChannelID == channelID {
			return false
		}
	}
	n.Channels = append(n.Channels, Channel{ChannelID: channelID, AppToken: appToken})
	return true
}

// RemoveApp drops every channel entry for appToken and returns how many
// entries were removed.
func (n *Node) RemoveApp(appToken string) int {
	kept := n.Channels[:0]
	removed := 0
	for _, c := range n.Channels {
		if c.AppToken == appToken {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	n.Channels = kept
	return removed
}

// SetVersion records version on the (appToken, channelID) entry and marks it
// as awaiting acknowledgement. Versions lower than the stored one are ignored.
func (n *Node) SetVersion(appToken, channelID string, version int64) bool {
	changed := false
	for i := range n.Channels {
		c := &n.Channels[i]
		if c.AppToken != appToken || c.ChannelID != channelID || c.Version > version {
			continue
		}
		c.Version = version
		c.NeedsAck = true
		changed = true
	}
	return changed
}

// Acknowledge clears the pending flag of channelID when version covers the
// stored version.
func (n *Node) Acknowledge(channelID string, version int64) bool {
	changed := false
	for i := range n.Channels {
		c := &n.Channels[i]
		if c.ChannelID != channelID || version < c.Version {
			continue
		}
		c.NeedsAck = false
		changed = true
	}
	return changed
}

// PendingChannels returns the entries still awaiting acknowledgement.
func (n *Node) PendingChannels() []Channel {
	var pending []Channel
	for _, c := range n.Channels {
		if c.NeedsAck {
			pending = append(pending, c)
		}
	}
	return pending
}

// HasApp reports whether the node holds any entry for appToken.
func (n *Node) HasApp(appToken string) bool {
	for _, c := range n.Channels {
		if c.AppToken == appToken {
			return true
		}
	}
	return false
}

// Apps returns the distinct application tokens the node is subscribed to.
func (n *Node) Apps() []string {
	seen := make(map[string]struct{}, len(n.Channels))
	var apps []string
	for _, c := range n.Channels {
		if _, ok := seen[c.AppToken]; ok {
			continue
		}
		seen[c.AppToken] = struct{}{}
		apps = append(apps, c.AppToken)
	}
	return apps
}

// IsWakeupCandidate reports whether the retry sweep should consider the node:
// it declared UDP and has at least one unacknowledged channel.
func (n *Node) IsWakeupCandidate() bool {
	return n.DeviceData.Protocol == TransportUDP && len(n.PendingChannels()) > 0
}
