package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	"github.com/xigadee/microservice/internal/runtime/jsoncodec"
	"github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/messaging"
)

// JSONMessageContext exposes the decoded body, the request and metadata for JSON handlers.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageOutput represents a message emitted by a JSON handler.
type JSONMessageOutput[T any] struct {
	Output
	Message T
}

// JSONMessageHandler processes a JSON body and returns the messages to send.
type JSONMessageHandler[T any, O any] func(ctx context.Context, msg JSONMessageContext[T]) ([]JSONMessageOutput[O], error)

// BuildJSONHandler converts a typed JSON handler into a HandlerFunc. Bodies
// that do not decode fail with an UnprocessableMessageError.
func BuildJSONHandler[T any, O any](handler JSONMessageHandler[T, O], logger logging.ServiceLogger) (HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, req *messaging.ServiceMessage) ([]*messaging.ServiceMessage, error) {
		typed := prototypeFactory()

		if len(req.Body) > 0 {
			if err := jsoncodec.Unmarshal(req.Body, typed); err != nil {
				return nil, errspkg.NewUnprocessableMessageError(req.ID, fmt.Errorf("failed to unmarshal JSON body: %w", err))
			}
		}

		msgCtx := JSONMessageContext[T]{
			MessageContextBase: newContextBase(req, logger),
			Payload:            typed,
		}

		outgoing, err := handler(ctx, msgCtx)
		if err != nil {
			return nil, err
		}

		return convertJSONOutputs(req, outgoing, msgCtx.Metadata)
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}

func convertJSONOutputs[T any](req *messaging.ServiceMessage, outputs []JSONMessageOutput[T], fallback map[string]string) ([]*messaging.ServiceMessage, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result := make([]*messaging.ServiceMessage, 0, len(outputs))
	for _, out := range outputs {
		if reflect.ValueOf(&out.Message).Elem().IsZero() {
			return nil, errors.New("json handler emitted zero-value message")
		}

		body, err := jsoncodec.Marshal(out.Message)
		if err != nil {
			return nil, err
		}

		msg := out.address(req, body, fmt.Sprintf("%T", out.Message), fallback)
		if msg == nil {
			continue
		}
		msg.Metadata[MetadataKeyContentType] = ContentTypeJSON
		result = append(result, msg)
	}

	return result, nil
}
