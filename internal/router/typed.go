package router

// OnNewMessage subscribes fn to newMessage events.
func (r *Router) OnNewMessage(fn func(Message)) *Subscription {
	return subscribeTyped(r, EventNewMessage, fn, nil)
}

// OnMessageRead subscribes fn to messageRead events.
func (r *Router) OnMessageRead(fn func(MessageRead)) *Subscription {
	return subscribeTyped(r, EventMessageRead, fn, nil)
}

// OnTypingIndicator subscribes fn to typingIndicator events.
func (r *Router) OnTypingIndicator(fn func(Typing)) *Subscription {
	return subscribeTyped(r, EventTypingIndicator, fn, nil)
}

// OnUserOnlineStatus subscribes fn to userOnlineStatus events.
func (r *Router) OnUserOnlineStatus(fn func(UserStatus)) *Subscription {
	return subscribeTyped(r, EventUserOnlineStatus, fn, func(p *UserStatus, ev Event) {
		p.Online = ev.Envelope.Type == WireUserOnline
	})
}

// OnConversationUpdated subscribes fn to conversationUpdated events.
func (r *Router) OnConversationUpdated(fn func(ConversationUpdate)) *Subscription {
	return subscribeTyped(r, EventConversationUpdated, fn, nil)
}

// OnConnectionStatus subscribes fn to connection lifecycle events.
func (r *Router) OnConnectionStatus(fn func(ConnectionStatus)) *Subscription {
	return subscribeTyped(r, EventConnectionStatus, fn, nil)
}

// subscribeTyped decodes the envelope data into T before calling fn.
// Payloads that fail to decode are logged and skipped for this subscriber only.
func subscribeTyped[T any](r *Router, event EventName, fn func(T), fill func(*T, Event)) *Subscription {
	return r.On(event, func(ev Event) {
		var payload T
		if err := ev.Decode(&payload); err != nil {
			r.logger.Warn("failed to decode payload",
				"event", event,
				"type", ev.Envelope.Type,
				"error", err,
			)
			return
		}
		if fill != nil {
			fill(&payload, ev)
		}
		fn(payload)
	})
}
