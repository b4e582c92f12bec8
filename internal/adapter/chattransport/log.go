// Package chattransport provides the only concrete domain.ChatTransport
// this repo ships: a logging stand-in for the out-of-scope chat transport
// collaborator (spec §1). Message rendering, keyboards, menus, and
// translations are a different system's concern; this package exists so
// the Delivery Pipeline and orphan notifications have something to call
// in a standalone deployment, and so the reconciler's OrphanNotifier has
// a default implementation.
package chattransport

import (
	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/internal/observability"
)

// Logger implements domain.ChatTransport by logging each send at info
// level instead of calling out to a real chat API. Swap in a real
// transport adapter once one is wired to this deployment's chat surface.
type Logger struct{}

// New builds a Logger transport.
func New() *Logger { return &Logger{} }

func (l *Logger) send(ctx domain.Context, method, chatID, url, caption string) error {
	observability.LoggerFromContext(ctx).Info("chat transport send",
		"method", method, "chat_id", chatID, "url", url, "caption", caption)
	return nil
}

// SendPhoto implements domain.ChatTransport.
func (l *Logger) SendPhoto(ctx domain.Context, chatID, url, caption string) error {
	return l.send(ctx, "send_photo", chatID, url, caption)
}

// SendVideo implements domain.ChatTransport.
func (l *Logger) SendVideo(ctx domain.Context, chatID, url, caption string) error {
	return l.send(ctx, "send_video", chatID, url, caption)
}

// SendAudio implements domain.ChatTransport.
func (l *Logger) SendAudio(ctx domain.Context, chatID, url, caption string) error {
	return l.send(ctx, "send_audio", chatID, url, caption)
}

// SendVoice implements domain.ChatTransport.
func (l *Logger) SendVoice(ctx domain.Context, chatID, url, caption string) error {
	return l.send(ctx, "send_voice", chatID, url, caption)
}

// SendAnimation implements domain.ChatTransport.
func (l *Logger) SendAnimation(ctx domain.Context, chatID, url, caption string) error {
	return l.send(ctx, "send_animation", chatID, url, caption)
}

// SendDocument implements domain.ChatTransport.
func (l *Logger) SendDocument(ctx domain.Context, chatID, url, caption string) error {
	return l.send(ctx, "send_document", chatID, url, caption)
}

// SendMediaGroup implements domain.ChatTransport.
func (l *Logger) SendMediaGroup(ctx domain.Context, chatID string, urls []string, method string) error {
	observability.LoggerFromContext(ctx).Info("chat transport send_media_group",
		"method", method, "chat_id", chatID, "urls", urls)
	return nil
}

// SendMessage implements domain.ChatTransport.
func (l *Logger) SendMessage(ctx domain.Context, chatID, text string) error {
	observability.LoggerFromContext(ctx).Info("chat transport send_message",
		"chat_id", chatID, "text", text)
	return nil
}

// NotifyOrphan implements internal/reconciler.OrphanNotifier by sending a
// plain text message; it is the same transport used for delivery.
func (l *Logger) NotifyOrphan(ctx domain.Context, userID, jobID string) error {
	return l.SendMessage(ctx, userID, "job "+jobID+" could not be recovered automatically; please retry")
}
