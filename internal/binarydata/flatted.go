package binarydata

import (
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
)

// flattedAPI keeps numbers as json.Number so re-encoding a revived tree
// reproduces them exactly.
var flattedAPI = sonic.Config{UseNumber: true}.Froze()

// unflatten revives a value stored in the flatted format: a JSON array whose
// first entry is the root, where every string inside an object or array entry
// is the decimal index of another entry. Strings stored directly in the array
// are literal. Shared entries are revived once; cycles are rejected because
// execution data has to be re-encoded.
func unflatten(blob []byte) (any, error) {
	var input []any
	if err := flattedAPI.Unmarshal(blob, &input); err != nil {
		return nil, fmt.Errorf("flatted: %w", err)
	}
	if len(input) == 0 {
		return nil, fmt.Errorf("flatted: empty input")
	}
	r := &flatReviver{input: input, done: map[int]any{}, active: map[int]bool{}}
	return r.entry(0)
}

type flatReviver struct {
	input  []any
	done   map[int]any
	active map[int]bool
}

func (r *flatReviver) entry(i int) (any, error) {
	if v, ok := r.done[i]; ok {
		return v, nil
	}
	switch v := r.input[i].(type) {
	case map[string]any:
		if r.active[i] {
			return nil, fmt.Errorf("flatted: circular reference at entry %d", i)
		}
		r.active[i] = true
		out := make(map[string]any, len(v))
		for k, child := range v {
			rv, err := r.value(child)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		delete(r.active, i)
		r.done[i] = out
		return out, nil
	case []any:
		if r.active[i] {
			return nil, fmt.Errorf("flatted: circular reference at entry %d", i)
		}
		r.active[i] = true
		out := make([]any, len(v))
		for j, child := range v {
			rv, err := r.value(child)
			if err != nil {
				return nil, err
			}
			out[j] = rv
		}
		delete(r.active, i)
		r.done[i] = out
		return out, nil
	default:
		return v, nil
	}
}

// value resolves one slot of an object or array entry. Numbers, booleans and
// null are stored inline.
func (r *flatReviver) value(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || i >= len(r.input) {
		return nil, fmt.Errorf("flatted: bad reference %q", s)
	}
	return r.entry(i)
}
