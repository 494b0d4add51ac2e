package ledger

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/crytic/ammfuzz/utils"
	"github.com/crytic/medusa-geth/accounts/abi"
	"github.com/pkg/errors"
)

// ErrOutputDecode is returned by Read when the returned data does not decode as the call shape's outputs. Probing
// treats it like an absent entry point.
var ErrOutputDecode = errors.New("output does not match call shape")

// ErrCalldataEncoding is returned when arguments do not encode as the call shape's inputs. Nothing is sent to the
// ledger in that case.
var ErrCalldataEncoding = errors.New("arguments do not match call shape")

// NewMethod builds a call shape from an entry point name and its solidity argument and return types. Names are
// generated as arg0, arg1, ... since only types affect the encoding.
func NewMethod(name string, inputs []string, outputs []string, payable bool) (abi.Method, error) {
	in, err := arguments(inputs)
	if err != nil {
		return abi.Method{}, errors.Wrapf(err, "invalid inputs for %s", name)
	}
	out, err := arguments(outputs)
	if err != nil {
		return abi.Method{}, errors.Wrapf(err, "invalid outputs for %s", name)
	}
	mutability := "nonpayable"
	if payable {
		mutability = "payable"
	}
	return abi.NewMethod(name, name, abi.Function, mutability, false, payable, in, out), nil
}

// MustMethod is NewMethod for compiled-in shapes.
func MustMethod(name string, inputs []string, outputs []string, payable bool) abi.Method {
	m, err := NewMethod(name, inputs, outputs, payable)
	if err != nil {
		panic(err)
	}
	return m
}

// MustView builds a read-only call shape.
func MustView(name string, inputs []string, outputs []string) abi.Method {
	in, err := arguments(inputs)
	if err != nil {
		panic(err)
	}
	out, err := arguments(outputs)
	if err != nil {
		panic(err)
	}
	return abi.NewMethod(name, name, abi.Function, "view", true, false, in, out)
}

func arguments(types []string) (abi.Arguments, error) {
	args := make(abi.Arguments, 0, len(types))
	for i, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			return nil, err
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: typ})
	}
	return args, nil
}

// ShapeString renders a call shape as "name(type,...)", the form used in logs and failure records.
func ShapeString(m abi.Method) string {
	types := utils.SliceSelect(m.Inputs, func(in abi.Argument) string { return in.Type.String() })
	return m.RawName + "(" + strings.Join(types, ",") + ")"
}

// pushSelectorOpcode is PUSH4, which solidity and vyper dispatchers use to compare the incoming selector.
const pushSelectorOpcode = 0x63

// CodeExposes reports whether deployed bytecode contains a PUSH4 of the method's selector. This is a heuristic: a
// dispatcher that computes selectors differently is reported as not exposing the entry point.
func CodeExposes(code []byte, m abi.Method) bool {
	if len(m.ID) != 4 {
		return false
	}
	needle := append([]byte{pushSelectorOpcode}, m.ID...)
	return bytes.Contains(code, needle)
}
