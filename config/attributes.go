package config

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cast"

	"go.viam.com/jitrealsense/stream"
)

// MaxRate is the highest frame rate an output accepts. Larger values are clipped.
const MaxRate = 120

// ErrUnknownAttribute is returned for names that are not in the attribute table.
var ErrUnknownAttribute = errors.New("unknown attribute")

// Attribute is one named, host visible setting.
type Attribute struct {
	Name  string
	Label string
	// Enum lists the labels of an enumerated attribute.
	Enum []string
	get  func(a *Attributes) []any
	set  func(a *Attributes, args []any) error
}

var table = buildTable()

func buildTable() []Attribute {
	attrs := []Attribute{
		{
			Name:  "rs_device",
			Label: "Device",
			get:   func(a *Attributes) []any { return []any{a.Device} },
			set: func(a *Attributes, args []any) error {
				v, err := nonNegative("rs_device", args)
				if err != nil {
					return err
				}
				a.Device = v
				return nil
			},
		},
		{
			Name:  "rs_out_count",
			Label: "Output Count",
			get:   func(a *Attributes) []any { return []any{a.OutCount} },
			set: func(a *Attributes, args []any) error {
				v, err := single("rs_out_count", args)
				if err != nil {
					return err
				}
				a.OutCount = lo.Clamp(v, 0, MaxOutputs)
				return nil
			},
		},
	}
	for i := 0; i < MaxOutputs; i++ {
		attrs = append(attrs, outputAttributes(i)...)
	}
	return attrs
}

// outputAttributes builds the four attributes of output i. The first output has no prefix.
func outputAttributes(i int) []Attribute {
	prefix, label := "", ""
	if i > 0 {
		prefix = fmt.Sprintf("out%d_", i+1)
		label = fmt.Sprintf("Out %d ", i+1)
	}
	return []Attribute{
		{
			Name:  prefix + "rs_stream",
			Label: label + "Stream",
			Enum:  stream.KindNames(),
			get:   func(a *Attributes) []any { return []any{int(a.Outputs[i].Stream)} },
			set: func(a *Attributes, args []any) error {
				k, err := parseKind(prefix+"rs_stream", args)
				if err != nil {
					return err
				}
				a.Outputs[i].Stream = k
				return nil
			},
		},
		{
			Name:  prefix + "rs_rate",
			Label: label + "FPS",
			get:   func(a *Attributes) []any { return []any{a.Outputs[i].Rate} },
			set: func(a *Attributes, args []any) error {
				v, err := single(prefix+"rs_rate", args)
				if err != nil {
					return err
				}
				a.Outputs[i].Rate = lo.Clamp(v, 0, MaxRate)
				return nil
			},
		},
		{
			Name:  prefix + "rs_dim",
			Label: label + "Dimensions",
			get:   func(a *Attributes) []any { return []any{a.Outputs[i].Width, a.Outputs[i].Height} },
			set: func(a *Attributes, args []any) error {
				w, h, err := dims(prefix+"rs_dim", args)
				if err != nil {
					return err
				}
				a.Outputs[i].Width, a.Outputs[i].Height = w, h
				return nil
			},
		},
		{
			Name:  prefix + "rs_index",
			Label: label + "Stream Index",
			get:   func(a *Attributes) []any { return []any{a.Outputs[i].Index} },
			set: func(a *Attributes, args []any) error {
				v, err := nonNegative(prefix+"rs_index", args)
				if err != nil {
					return err
				}
				a.Outputs[i].Index = v
				return nil
			},
		},
	}
}

func single(name string, args []any) (int, error) {
	if len(args) != 1 {
		return 0, errors.Errorf("%s takes 1 value, got %d", name, len(args))
	}
	v, err := cast.ToIntE(args[0])
	if err != nil {
		return 0, errors.Wrapf(err, "%s", name)
	}
	return v, nil
}

func nonNegative(name string, args []any) (int, error) {
	v, err := single(name, args)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.Errorf("%s cannot be negative, got %d", name, v)
	}
	return v, nil
}

// parseKind accepts an enum index or a stream name.
func parseKind(name string, args []any) (stream.Kind, error) {
	if len(args) != 1 {
		return stream.Any, errors.Errorf("%s takes 1 value, got %d", name, len(args))
	}
	if s, ok := args[0].(string); ok {
		if k, err := stream.ParseKind(s); err == nil {
			return k, nil
		}
	}
	v, err := cast.ToIntE(args[0])
	if err != nil {
		return stream.Any, errors.Wrapf(stream.ErrUnsupportedStream, "%s: %v", name, args[0])
	}
	if v < 0 || v >= len(stream.Kinds()) {
		return stream.Any, errors.Wrapf(stream.ErrUnsupportedStream, "%s: %d", name, v)
	}
	return stream.Kind(v), nil
}

// dims accepts two values, or a single list of two values.
func dims(name string, args []any) (int, int, error) {
	if len(args) == 1 {
		list, err := cast.ToIntSliceE(args[0])
		if err != nil {
			return 0, 0, errors.Wrapf(err, "%s", name)
		}
		args = lo.Map(list, func(v, _ int) any { return v })
	}
	if len(args) != 2 {
		return 0, 0, errors.Errorf("%s takes 2 values, got %d", name, len(args))
	}
	w, err := cast.ToIntE(args[0])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "%s width", name)
	}
	h, err := cast.ToIntE(args[1])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "%s height", name)
	}
	if w < 0 || h < 0 {
		return 0, 0, errors.Errorf("%s cannot be negative, got %dx%d", name, w, h)
	}
	return w, h, nil
}

// Table returns every attribute in declaration order.
func Table() []Attribute {
	return append([]Attribute(nil), table...)
}

// Names returns the names of every attribute in declaration order.
func Names() []string {
	return lo.Map(table, func(a Attribute, _ int) string { return a.Name })
}

// LookupAttribute returns the attribute with the given name.
func LookupAttribute(name string) (Attribute, error) {
	attr, ok := lo.Find(table, func(a Attribute) bool { return a.Name == name })
	if !ok {
		return Attribute{}, errors.Wrapf(ErrUnknownAttribute, "%q", name)
	}
	return attr, nil
}

// Set coerces args and stores them in the named attribute. On error the attributes are unchanged.
func (a *Attributes) Set(name string, args ...any) error {
	attr, err := LookupAttribute(name)
	if err != nil {
		return err
	}
	next := *a
	if err := attr.set(&next, args); err != nil {
		return err
	}
	*a = next
	return nil
}

// Get returns the current values of the named attribute.
func (a *Attributes) Get(name string) ([]any, error) {
	attr, err := LookupAttribute(name)
	if err != nil {
		return nil, err
	}
	return attr.get(a), nil
}
