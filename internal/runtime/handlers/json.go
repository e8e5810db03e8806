package handlers

import (
	"fmt"
	"reflect"

	jsoncodec "github.com/drblury/busflow/internal/runtime/jsoncodec"
)

// payloadDecoder returns a function producing a fresh T from a message body.
// Pointer payload types are allocated per call so envelopes never share state.
func payloadDecoder[T any](codec *jsoncodec.Codec) func([]byte) (T, error) {
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Pointer {
		elem := typ.Elem()
		return func(body []byte) (T, error) {
			typed := reflect.New(elem).Interface().(T)
			if err := codec.Unmarshal(body, typed); err != nil {
				var zero T
				return zero, fmt.Errorf("decode %s payload: %w", typ, err)
			}
			return typed, nil
		}
	}
	return func(body []byte) (T, error) {
		var typed T
		if err := codec.Unmarshal(body, &typed); err != nil {
			var zero T
			return zero, fmt.Errorf("decode %s payload: %w", typ, err)
		}
		return typed, nil
	}
}

// TypeName renders T the way it appears in logs and errors.
func TypeName[T any]() string {
	return reflect.TypeFor[T]().String()
}
