package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// ProtoMessageContext provides strongly typed access to the incoming message body.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageOutput describes a message that should be sent after the handler succeeds.
type ProtoMessageOutput struct {
	Output
	Message proto.Message
}

// ProtoMessageHandler processes a typed protobuf body and returns the messages to send.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, msg ProtoMessageContext[T]) ([]ProtoMessageOutput, error)

// ProtoValidator validates a decoded or outgoing proto message.
type ProtoValidator func(proto.Message) error

// BuildProtoHandler converts the typed handler into a HandlerFunc. Bodies
// are protojson encoded. validate runs on the decoded request; when
// validateOutgoing is set it also runs on every output.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], validate ProtoValidator, validateOutgoing bool, logger logging.ServiceLogger) (HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if isNilProto(prototype) {
		return nil, errspkg.ErrMessageTypeRequired
	}

	return func(ctx context.Context, req *messaging.ServiceMessage) ([]*messaging.ServiceMessage, error) {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return nil, err
		}

		if err := protojson.Unmarshal(req.Body, typed); err != nil {
			return nil, errspkg.NewUnprocessableMessageError(req.ID, fmt.Errorf("failed to unmarshal %T body: %w", prototype, err))
		}
		if validate != nil {
			if err := validate(typed); err != nil {
				return nil, errspkg.NewUnprocessableMessageError(req.ID, err)
			}
		}

		msgCtx := ProtoMessageContext[T]{
			MessageContextBase: newContextBase(req, logger),
			Payload:            typed,
		}

		outgoing, err := handler(ctx, msgCtx)
		if err != nil {
			return nil, err
		}

		for _, out := range outgoing {
			if isNilProto(out.Message) {
				return nil, errors.New("proto handler emitted nil message")
			}
			if validateOutgoing && validate != nil {
				if err := validate(out.Message); err != nil {
					return nil, err
				}
			}
		}

		return convertProtoOutputs(req, outgoing, msgCtx.Metadata)
	}, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrMessageTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}

	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type
// when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrMessagePointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

// ProtoSchema names the full proto type of msg.
func ProtoSchema(msg proto.Message) string {
	return string(msg.ProtoReflect().Descriptor().FullName())
}

func convertProtoOutputs(req *messaging.ServiceMessage, outputs []ProtoMessageOutput, fallback map[string]string) ([]*messaging.ServiceMessage, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result := make([]*messaging.ServiceMessage, 0, len(outputs))
	for _, out := range outputs {
		body, err := protojson.Marshal(out.Message)
		if err != nil {
			return nil, err
		}

		msg := out.address(req, body, ProtoSchema(out.Message), fallback)
		if msg == nil {
			continue
		}
		msg.Metadata[MetadataKeyContentType] = ContentTypeProtoJSON
		result = append(result, msg)
	}

	return result, nil
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
