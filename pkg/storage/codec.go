package storage

import "encoding/json"

func encode(op string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, newError(KindSerialization, op, err)
	}
	return raw, nil
}

func decode(op string, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return newError(KindSerialization, op, err)
	}
	return nil
}
