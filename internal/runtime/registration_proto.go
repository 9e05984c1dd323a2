package runtime

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	handlerpkg "github.com/xigadee/microservice/internal/runtime/handlers"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// ProtoCommandRegistration binds a typed protobuf handler to a header.
// Bodies are protojson encoded.
type ProtoCommandRegistration[T proto.Message] struct {
	Name    string
	Header  messaging.ServiceMessageHeader
	Handler handlerpkg.ProtoMessageHandler[T]
	// ValidateOutgoing runs the service validator on emitted messages too.
	ValidateOutgoing  bool
	ResourceProfiles  []string
	MaxProcessingTime time.Duration
}

// ProtoPrototype returns a usable value of T for schema naming and decoding.
// Pointer message types come back allocated rather than nil.
func ProtoPrototype[T proto.Message]() (T, error) {
	var zero T
	return handlerpkg.EnsureProtoPrototype(zero)
}

// RegisterProtoCommand decodes request bodies into T, validates them with
// the service validator when one is configured, and queues the handler's
// outputs for the outgoing path.
func RegisterProtoCommand[T proto.Message](svc *Service, cfg ProtoCommandRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	prototype, err := ProtoPrototype[T]()
	if err != nil {
		return err
	}
	if cfg.Name == "" && cfg.Header.ChannelID != "" {
		cfg.Name = fmt.Sprintf("%s:%s", cfg.Header, handlerpkg.ProtoSchema(prototype))
	}

	wrapped, err := handlerpkg.BuildProtoHandler(prototype, cfg.Handler, svc.protoValidator(), cfg.ValidateOutgoing, svc.Logger)
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

func (s *Service) protoValidator() handlerpkg.ProtoValidator {
	if s.validator == nil {
		return nil
	}
	return func(msg proto.Message) error { return s.validator.Validate(msg) }
}
