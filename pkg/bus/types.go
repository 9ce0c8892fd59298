package bus

// InboundMessage is user text received by a front end.
type InboundMessage struct {
	Channel  string
	UserID   int64
	ChatID   string
	Username string
	Content  string
	// ReplyTo is the front end's id of the message being answered, if any.
	ReplyTo string
}

// OutboundMessage is text to deliver back to a chat.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	ReplyTo string
}
