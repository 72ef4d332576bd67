package usecase

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"mailflow/pkg/messaging"
	"mailflow/pkg/notification"
	"mailflow/pkg/sms"
	"mailflow/pkg/templates"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

type SMSHandler struct {
	renderer *templates.Renderer
	sender   sms.Sender
	appName  string
	baseURL  string
}

func NewSMSHandler(renderer *templates.Renderer, sender sms.Sender, appName, baseURL string) *SMSHandler {
	return &SMSHandler{renderer: renderer, sender: sender, appName: appName, baseURL: baseURL}
}

func (h *SMSHandler) Deliver(ctx context.Context, msg notification.Message) (Content, error) {
	phone := normalizePhone(msg.Recipient)
	if !phonePattern.MatchString(phone) {
		return Content{}, messaging.Permanent("invalid sms recipient", fmt.Errorf("%q is not a phone number", msg.Recipient))
	}

	text, err := h.renderer.RenderSMS(ctx, msg.NotificationSubType, templates.Data{
		AppName:       h.appName,
		Recipient:     phone,
		RecipientName: msg.RecipientName,
		ActionURL:     ActionURL(h.baseURL, msg.NotificationSubType, msg.MessageLink),
		Params:        msg.Params,
	})
	if err != nil {
		return Content{}, err
	}

	return Content{Body: text}, h.sender.Send(ctx, phone, text)
}

func normalizePhone(s string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(s))
}
