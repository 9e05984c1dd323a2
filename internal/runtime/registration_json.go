package runtime

import (
	"context"
	"time"

	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	handlerpkg "github.com/xigadee/microservice/internal/runtime/handlers"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// JSONCommandRegistration binds a typed JSON handler to a header.
type JSONCommandRegistration[T any, O any] struct {
	Name              string
	Header            messaging.ServiceMessageHeader
	Handler           handlerpkg.JSONMessageHandler[T, O]
	ResourceProfiles  []string
	MaxProcessingTime time.Duration
}

// RegisterJSONCommand decodes request bodies into T and queues the handler's
// outputs for the outgoing path.
func RegisterJSONCommand[T any, O any](svc *Service, cfg JSONCommandRegistration[T, O]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	wrapped, err := handlerpkg.BuildJSONHandler(cfg.Handler, svc.Logger)
	if err != nil {
		return err
	}

	return svc.RegisterCommand(CommandRegistration{
		Name:              cfg.Name,
		Header:            cfg.Header,
		Handler:           adaptHandlerFunc(wrapped),
		ResourceProfiles:  cfg.ResourceProfiles,
		MaxProcessingTime: cfg.MaxProcessingTime,
	})
}

// adaptHandlerFunc runs a message-in/messages-out handler as a command.
func adaptHandlerFunc(fn handlerpkg.HandlerFunc) CommandHandler {
	return func(ctx context.Context, cc *CommandContext) error {
		outputs, err := fn(ctx, cc.Request)
		if err != nil {
			return err
		}
		for _, out := range outputs {
			cc.Send(out)
		}
		return nil
	}
}
