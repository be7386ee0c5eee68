package economy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/serenissima/engine/internal/model"
	"github.com/serenissima/engine/internal/store"
)

// Notify appends a row to a citizen's mailbox. Failures are logged; a
// lost notification never fails the operation that raised it.
func Notify(ctx context.Context, s store.Store, now time.Time, citizen, typ, content string, details any) {
	if citizen == "" {
		return
	}
	n := &model.Notification{
		NotificationId: model.NewID("notification"),
		Citizen:        citizen,
		Type:           typ,
		Content:        content,
		CreatedAt:      now.UTC(),
	}
	if details != nil {
		body, err := json.Marshal(details)
		if err == nil {
			n.Details = string(body)
		}
	}
	fields, err := model.ToFields(n)
	if err == nil {
		_, err = s.Create(ctx, store.Notifications, fields)
	}
	if err != nil {
		slog.Error("notification write failed", "citizen", citizen, "type", typ, "error", err)
	}
}
