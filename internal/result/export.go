package result

import (
	"bufio"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// WriteJSONL writes one JSON document per result.
func WriteJSONL(w io.Writer, results []Result) error {
	enc := json.NewEncoder(w)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode result %d: %w", r.Seq, err)
		}
	}
	return nil
}

// ReadJSONL decodes results written by WriteJSONL.
func ReadJSONL(r io.Reader) ([]Result, error) {
	var out []Result
	dec := json.NewDecoder(bufio.NewReader(r))
	for {
		var res Result
		if err := dec.Decode(&res); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, fmt.Errorf("decode result %d: %w", len(out)+1, err)
		}
		out = append(out, res)
	}
}
