package mapstruct

import (
	"github.com/go-viper/mapstructure/v2"
)

// Decode populates output (a pointer) from input (typically a decoded
// map[string]any), matching fields by the "json" tag. WeaklyTypedInput lets
// a single mapping decode into a one-element slice field, so a config
// section like `server:` can be written as either one block or a list of
// blocks without the schema caring which.
func Decode(input any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         nil,
		TagName:          "json",
		Result:           output,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}
