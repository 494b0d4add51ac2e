// Package failures persists failure records: one self-contained JSON file per violation, written once and never
// modified.
package failures

import (
	"bytes"
	"encoding/json"
	"math/big"
	"os"
	"strings"

	"github.com/crytic/ammfuzz/utils"
	"github.com/pkg/errors"
)

// Params maps parameter names to integers (*big.Int) or integer lists ([]*big.Int). Loaded records hold
// json.Number and []any of json.Number instead; the accessors accept both.
type Params map[string]any

// Record is one persisted failure.
type Record struct {
	// Name identifies the failing check or operation, e.g. "D_drop" or "exchange".
	Name string `json:"name"`
	// Params are the arguments of the operation that failed.
	Params Params `json:"params"`
	// Info is a human-readable diagnostic, e.g. "1000000->980000".
	Info string `json:"info"`
	// Block is the ledger block at which the failure was observed.
	Block uint64 `json:"block"`

	// ID is the unique suffix of the file name. It is not part of the persisted object.
	ID string `json:"-"`
	// Path is where the record was written or read from.
	Path string `json:"-"`
}

// Int returns an integer parameter.
func (p Params) Int(name string) (*big.Int, error) {
	v, ok := p[name]
	if !ok {
		return nil, errors.Errorf("missing parameter %q", name)
	}
	return toBigInt(name, v)
}

// Ints returns an integer list parameter.
func (p Params) Ints(name string) ([]*big.Int, error) {
	v, ok := p[name]
	if !ok {
		return nil, errors.Errorf("missing parameter %q", name)
	}
	switch list := v.(type) {
	case []*big.Int:
		out := make([]*big.Int, len(list))
		for i, b := range list {
			out[i] = new(big.Int).Set(b)
		}
		return out, nil
	case []any:
		out := make([]*big.Int, len(list))
		for i, item := range list {
			b, err := toBigInt(name, item)
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	}
	return nil, errors.Errorf("parameter %q is %T, not an integer list", name, v)
}

func toBigInt(name string, v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case json.Number:
		b, ok := new(big.Int).SetString(n.String(), 10)
		if !ok {
			return nil, errors.Errorf("parameter %q is not an integer: %s", name, n)
		}
		return b, nil
	case int64:
		return big.NewInt(n), nil
	case int:
		return big.NewInt(int64(n)), nil
	}
	return nil, errors.Errorf("parameter %q is %T, not an integer", name, v)
}

// Marshal encodes the record the way it is stored on disk.
func (r *Record) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	return b, errors.WithStack(err)
}

// Load reads a record. Integers are kept as json.Number so that re-encoding reproduces the stored text.
func Load(path string) (*Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.UseNumber()
	var r Record
	if err = decoder.Decode(&r); err != nil {
		return nil, errors.Wrapf(err, "could not parse failure record %s", path)
	}
	if r.Name == "" {
		return nil, errors.Errorf("failure record %s has no name", path)
	}
	if r.Params == nil {
		r.Params = Params{}
	}
	r.Path = path
	r.ID = idFromFileName(utils.GetFileNameWithoutExtension(path))
	return &r, nil
}

// idFromFileName extracts the unique suffix of "fail_<name>_<id>" file names. Names may themselves contain underscores,
// so the id is everything after the last underscore.
func idFromFileName(base string) string {
	if idx := strings.LastIndex(base, "_"); idx >= 0 {
		return base[idx+1:]
	}
	return base
}
