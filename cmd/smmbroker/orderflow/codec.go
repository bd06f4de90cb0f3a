package orderflow

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Stage Stage           `json:"stage"`
	Data  json.RawMessage `json:"data"`
}

// Marshal encodes a state with its stage tag so sessions can be stored outside the process.
func Marshal(st State) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Stage: st.Stage(), Data: data})
}

func Unmarshal(b []byte) (State, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	switch env.Stage {
	case StageCategory:
		return decode[CategorySelection](env.Data)
	case StageService:
		return decode[ServiceSelection](env.Data)
	case StageLink:
		return decode[LinkEntry](env.Data)
	case StageQuantity:
		return decode[QuantityEntry](env.Data)
	case StageConfirm:
		return decode[Confirmation](env.Data)
	}
	return nil, fmt.Errorf("unknown order stage %q", env.Stage)
}

func decode[T State](data json.RawMessage) (State, error) {
	var st T
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return st, nil
}
