package negotiate

import (
	"reflect"

	"github.com/go-viper/mapstructure/v2"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// DecodeUserResolution decodes a loosely typed UI payload. A decision may be
// an object with "strategy" and "customValue" or just the strategy name:
//
//	{"decisions": {"age": "useLocal", "name": {"customValue": "Ann"}}, "accepted": true}
func DecodeUserResolution(raw any) (UserResolution, error) {
	var ur UserResolution
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &ur,
		DecodeHook:       decisionHook(),
	})
	if err != nil {
		return UserResolution{}, syncErrors.NewValidationError(syncErrors.OpNegotiate, "decisions", err)
	}
	if err := dec.Decode(raw); err != nil {
		return UserResolution{}, syncErrors.NewValidationError(syncErrors.OpNegotiate, "decisions", err)
	}
	return ur, nil
}

func decisionHook() mapstructure.DecodeHookFuncType {
	decisionType := reflect.TypeOf(FieldDecision{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != decisionType {
			return data, nil
		}
		if s, ok := data.(string); ok {
			return FieldDecision{Strategy: types.FieldStrategy(s)}, nil
		}
		return data, nil
	}
}
