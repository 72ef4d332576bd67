package usecase

import (
	"context"
	"net/mail"

	"mailflow/pkg/mailer"
	"mailflow/pkg/messaging"
	"mailflow/pkg/notification"
	"mailflow/pkg/templates"
)

type EmailHandler struct {
	renderer *templates.Renderer
	sender   mailer.Sender
	appName  string
	baseURL  string
}

func NewEmailHandler(renderer *templates.Renderer, sender mailer.Sender, appName, baseURL string) *EmailHandler {
	return &EmailHandler{renderer: renderer, sender: sender, appName: appName, baseURL: baseURL}
}

func (h *EmailHandler) Deliver(ctx context.Context, msg notification.Message) (Content, error) {
	addr, err := mail.ParseAddress(msg.Recipient)
	if err != nil {
		return Content{}, messaging.Permanent("invalid email recipient "+msg.Recipient, err)
	}

	email, err := h.renderer.RenderEmail(ctx, msg.NotificationSubType, templates.Data{
		AppName:       h.appName,
		Recipient:     addr.Address,
		RecipientName: msg.RecipientName,
		ActionURL:     ActionURL(h.baseURL, msg.NotificationSubType, msg.MessageLink),
		Params:        msg.Params,
	})
	if err != nil {
		return Content{}, err
	}

	content := Content{Subject: email.Subject, Body: email.Body}
	return content, h.sender.Send(ctx, addr.Address, email.Subject, email.Body)
}
