package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidOptions flags generation options that fail validation,
// including unrecognized option names. Rejected at call time, before any
// network traffic.
var ErrInvalidOptions = errors.New("invalid generation options")

// Options are the recognized generation settings, passed through to the
// backend in its native vocabulary.
type Options struct {
	MaxOutputTokens int      `json:"max_output_tokens"`
	Temperature     float64  `json:"temperature"`
	StopSequences   []string `json:"stop_sequences,omitempty"`
}

// DecodeOptions parses caller-supplied options on top of the given
// defaults. Unknown option names fail fast instead of being silently
// ignored.
func DecodeOptions(raw map[string]json.RawMessage, defaults Options) (Options, error) {
	opts := defaults
	for key, val := range raw {
		var err error
		switch key {
		case "max_output_tokens":
			err = json.Unmarshal(val, &opts.MaxOutputTokens)
		case "temperature":
			err = json.Unmarshal(val, &opts.Temperature)
		case "stop_sequences":
			err = json.Unmarshal(val, &opts.StopSequences)
		default:
			return Options{}, fmt.Errorf("%w: unrecognized option %q", ErrInvalidOptions, key)
		}
		if err != nil {
			return Options{}, fmt.Errorf("%w: option %q: %v", ErrInvalidOptions, key, err)
		}
	}
	if err := opts.validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o Options) validate() error {
	if o.MaxOutputTokens < 0 {
		return fmt.Errorf("%w: max_output_tokens must not be negative", ErrInvalidOptions)
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0, 2]", ErrInvalidOptions)
	}
	return nil
}
