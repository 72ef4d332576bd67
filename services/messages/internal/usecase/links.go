package usecase

import (
	"strings"

	"mailflow/pkg/notification"
)

// ActionURL turns a message link into the page the recipient should open.
// Links are "<userId>/<token>" for confirm and reset flows; absolute URLs are
// used as is.
func ActionURL(baseURL string, sub notification.SubType, link string) string {
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}

	base := strings.TrimRight(baseURL, "/")
	link = strings.TrimLeft(link, "/")

	switch sub {
	case notification.SubTypeConfirmEmail:
		return base + "/confirm-email/" + link
	case notification.SubTypePasswordReset:
		return base + "/reset-password/" + link
	}
	if link == "" {
		return base
	}
	return base + "/" + link
}
