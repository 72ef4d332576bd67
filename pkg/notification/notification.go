// Package notification defines the notification wire payload shared by the
// users service (producer) and the messages service (consumer).
package notification

import (
	"fmt"
	"strings"
)

const (
	Topic           = "notifications"
	DeadLetterTopic = "notifications.dlq"
	ConsumerGroup   = "MessagesApp"
)

type MessageType string

const (
	TypeEmail MessageType = "EMAIL"
	TypeSMS   MessageType = "SMS"
)

type SubType string

const (
	SubTypeConfirmEmail    SubType = "CONFIRM_EMAIL"
	SubTypePasswordReset   SubType = "PASSWORD_RESET"
	SubTypeWelcome         SubType = "WELCOME"
	SubTypePasswordChanged SubType = "PASSWORD_CHANGED"
)

// Message is the JSON value published on the notifications topic. NewMessage
// copies Params so the value is not shared with callers. Params is always
// written, as null or an object, so nil and empty maps survive a round trip.
type Message struct {
	MessageType         MessageType       `json:"messageType"`
	NotificationSubType SubType           `json:"notificationSubType"`
	Recipient           string            `json:"recipient"`
	RecipientName       string            `json:"recipientName"`
	MessageLink         string            `json:"messageLink,omitempty"`
	Params              map[string]string `json:"params"`
}

func NewMessage(t MessageType, sub SubType, recipient, recipientName, link string, params map[string]string) Message {
	return Message{
		MessageType:         t,
		NotificationSubType: sub,
		Recipient:           recipient,
		RecipientName:       recipientName,
		MessageLink:         link,
		Params:              copyParams(params),
	}
}

// Key is the partition key. Messages for one recipient stay ordered.
func (m Message) Key() string {
	return strings.ToLower(m.Recipient)
}

// Param returns one template parameter, or "" when unset.
func (m Message) Param(name string) string {
	return m.Params[name]
}

func (m Message) String() string {
	return fmt.Sprintf("%s/%s to %s", m.MessageType, m.NotificationSubType, m.Recipient)
}

func (m Message) Validate() error {
	if m.MessageType == "" {
		return fmt.Errorf("messageType is required")
	}
	if m.NotificationSubType == "" {
		return fmt.Errorf("notificationSubType is required")
	}
	if strings.TrimSpace(m.Recipient) == "" {
		return fmt.Errorf("recipient is required")
	}
	return nil
}

// PublishNotificationCommand is raised on the in-process event bus by
// domain use cases once their change is committed.
type PublishNotificationCommand struct {
	MessageType         MessageType
	NotificationSubType SubType
	Recipient           string
	RecipientName       string
	MessageLink         string
	Params              map[string]string
}

func (c PublishNotificationCommand) ToMessage() Message {
	return NewMessage(c.MessageType, c.NotificationSubType, c.Recipient, c.RecipientName, c.MessageLink, c.Params)
}

func copyParams(params map[string]string) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
