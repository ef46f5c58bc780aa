package stickyexec

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/stephenfire/go-rtl"
)

func convertInputsForSerialization(executionInputs []interface{}) ([][]byte, error) {
	inputs := [][]byte{}

	for _, input := range executionInputs {
		if input == nil {
			return nil, errors.Join(ErrEncoding, fmt.Errorf("nil input cannot be serialized"))
		}

		buf := new(bytes.Buffer)

		// just get the real one
		if reflect.TypeOf(input).Kind() == reflect.Ptr {
			val := reflect.ValueOf(input)
			if val.IsNil() {
				return nil, errors.Join(ErrEncoding, fmt.Errorf("nil input cannot be serialized"))
			}
			input = val.Elem().Interface()
		}

		if err := rtl.Encode(input, buf); err != nil {
			return nil, errors.Join(ErrEncoding, err)
		}
		inputs = append(inputs, buf.Bytes())
	}

	return inputs, nil
}

func convertInputsFromSerialization(handlerInfo HandlerInfo, executionInputs [][]byte) ([]interface{}, error) {
	inputs := []interface{}{}

	if len(executionInputs) < len(handlerInfo.ParamTypes) {
		return nil, fmt.Errorf("%s: expected %d inputs, got %d", handlerInfo.HandlerName, len(handlerInfo.ParamTypes), len(executionInputs))
	}

	for idx, inputType := range handlerInfo.ParamTypes {
		buf := bytes.NewBuffer(executionInputs[idx])

		decodedObj := reflect.New(inputType).Interface()

		if err := rtl.Decode(buf, decodedObj); err != nil {
			return nil, errors.Join(ErrEncoding, err)
		}

		inputs = append(inputs, reflect.ValueOf(decodedObj).Elem().Interface())
	}

	return inputs, nil
}

func convertOutputsForSerialization(executionOutputs []interface{}) ([][]byte, error) {
	outputs := [][]byte{}

	for _, output := range executionOutputs {
		if output == nil {
			return nil, errors.Join(ErrEncoding, fmt.Errorf("nil output cannot be serialized"))
		}

		buf := new(bytes.Buffer)

		if reflect.TypeOf(output).Kind() == reflect.Ptr {
			val := reflect.ValueOf(output)
			if val.IsNil() {
				return nil, errors.Join(ErrEncoding, fmt.Errorf("nil output cannot be serialized"))
			}
			output = val.Elem().Interface()
		}

		if err := rtl.Encode(output, buf); err != nil {
			return nil, errors.Join(ErrEncoding, err)
		}
		outputs = append(outputs, buf.Bytes())
	}

	return outputs, nil
}

// decodeOutputsInto decodes raw payloads into caller-provided pointers. Callers
// may ask for fewer values than were produced, never more.
func decodeOutputsInto(raw [][]byte, out []interface{}) error {
	if len(out) == 0 {
		return nil
	}

	if len(out) > len(raw) {
		return errors.Join(ErrGetResults, fmt.Errorf("number of outputs (%d) exceeds number of results (%d)", len(out), len(raw)))
	}

	for i := 0; i < len(out); i++ {
		val := reflect.ValueOf(out[i])
		if val.Kind() != reflect.Ptr {
			return errors.Join(ErrGetResults, ErrMustPointer)
		}

		buf := bytes.NewBuffer(raw[i])
		if err := rtl.Decode(buf, out[i]); err != nil {
			return errors.Join(ErrGetResults, ErrEncoding, err)
		}
	}

	return nil
}
