package usecase

import (
	"context"
	"errors"
	"testing"

	"mailflow/pkg/messaging"
	"mailflow/pkg/notification"
	"mailflow/pkg/templates"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestActionURL(t *testing.T) {
	base := "https://app.example.com/"
	assert.Equal(t, "https://app.example.com/confirm-email/u1/tok", ActionURL(base, notification.SubTypeConfirmEmail, "u1/tok"))
	assert.Equal(t, "https://app.example.com/reset-password/u1/tok", ActionURL(base, notification.SubTypePasswordReset, "/u1/tok"))
	assert.Equal(t, "https://app.example.com", ActionURL(base, notification.SubTypeWelcome, ""))
	assert.Equal(t, "https://other.example.com/x", ActionURL(base, notification.SubTypeWelcome, "https://other.example.com/x"))
}

func TestEmailHandler_RendersLinkIntoBody(t *testing.T) {
	mailer := new(MockMailer)
	handler := NewEmailHandler(templates.NewRenderer(nil, nil), mailer, "Mailflow", "https://app.example.com")

	mailer.On("Send", "ada@example.com", mock.Anything, mock.Anything).Return(nil)

	content, err := handler.Deliver(context.Background(), confirmMessage())
	require.NoError(t, err)

	assert.Contains(t, content.Subject, "Mailflow")
	assert.Contains(t, content.Body, "https://app.example.com/confirm-email/user-1/token-abc")
	assert.Contains(t, content.Body, "Ada Lovelace")

	sent := mailer.Calls[0].Arguments
	assert.Equal(t, content.Subject, sent.String(1))
	assert.Equal(t, content.Body, sent.String(2))
}

func TestEmailHandler_InvalidRecipientIsPermanent(t *testing.T) {
	mailer := new(MockMailer)
	handler := NewEmailHandler(templates.NewRenderer(nil, nil), mailer, "Mailflow", "https://app.example.com")

	msg := confirmMessage()
	msg.Recipient = "not an address"

	_, err := handler.Deliver(context.Background(), msg)
	assert.Equal(t, messaging.OutcomePermanent, messaging.Classify(err))
	mailer.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestEmailHandler_PassesThroughSenderError(t *testing.T) {
	mailer := new(MockMailer)
	handler := NewEmailHandler(templates.NewRenderer(nil, nil), mailer, "Mailflow", "https://app.example.com")

	mailer.On("Send", mock.Anything, mock.Anything, mock.Anything).
		Return(messaging.Transient("smtp dial", errors.New("connection refused")))

	_, err := handler.Deliver(context.Background(), confirmMessage())
	assert.Equal(t, messaging.OutcomeTransient, messaging.Classify(err))
}

func TestSMSHandler(t *testing.T) {
	sender := new(MockSMSSender)
	handler := NewSMSHandler(templates.NewRenderer(nil, nil), sender, "Mailflow", "https://app.example.com")

	sender.On("Send", "+15550100", mock.MatchedBy(func(text string) bool {
		return assert.ObjectsAreEqual("Mailflow: reset your password at https://app.example.com/reset-password/u1/tok", text)
	})).Return(nil)

	msg := notification.NewMessage(notification.TypeSMS, notification.SubTypePasswordReset, "+1 555-0100", "Ada", "u1/tok", nil)
	content, err := handler.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Contains(t, content.Body, "reset-password/u1/tok")
	sender.AssertExpectations(t)
}

func TestSMSHandler_InvalidPhoneIsPermanent(t *testing.T) {
	sender := new(MockSMSSender)
	handler := NewSMSHandler(templates.NewRenderer(nil, nil), sender, "Mailflow", "https://app.example.com")

	msg := notification.NewMessage(notification.TypeSMS, notification.SubTypeConfirmEmail, "ada@example.com", "Ada", "u1/tok", nil)
	_, err := handler.Deliver(context.Background(), msg)
	assert.Equal(t, messaging.OutcomePermanent, messaging.Classify(err))
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}
