package schema

import (
	"sort"
	"strconv"
	"strings"

	"github.com/codeready-toolchain/simengine/pkg/engineerr"
)

// Builder accumulates (name, type, nullable) tuples before materialization,
// the way a config loader accumulates declarative entries before
// validating them as a whole.
type Builder struct {
	fields []Field
}

// NewBuilder returns an empty schema Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends one field declaration to the builder.
func (b *Builder) Add(name string, t FieldType, nullable bool) *Builder {
	b.fields = append(b.fields, Field{Name: name, Type: t, Nullable: nullable})
	return b
}

// Materialize runs §4.1's algorithm: derive per-field node/buffer metadata,
// partition into fixed/variable, sort each partition by name, and emit
// schema metadata strings. The reserved previous_index field must be
// declared by the caller or Materialize fails; it is not inserted, and it
// is placed by the same type partition and name sort as every other field.
func (b *Builder) Materialize() (*Schema, error) {
	var fixed, variable []Field
	nodesByName := make(map[string][]NodeMeta, len(b.fields))

	sawPreviousIndex := false
	for _, f := range b.fields {
		if f.Name == ReservedPreviousIndex {
			sawPreviousIndex = true
		}
		nodes, err := nodesForField(f)
		if err != nil {
			return nil, err
		}
		nodesByName[f.Name] = nodes

		if IsFixedSize(f.Type) {
			fixed = append(fixed, f)
		} else {
			variable = append(variable, f)
		}
	}
	if !sawPreviousIndex {
		return nil, engineerr.New(engineerr.Configuration, engineerr.ErrSpecialKeyMissing)
	}

	sort.Slice(fixed, func(i, j int) bool { return fixed[i].Name < fixed[j].Name })
	sort.Slice(variable, func(i, j int) bool { return variable[i].Name < variable[j].Name })

	ordered := make([]Field, 0, len(fixed)+len(variable))
	ordered = append(ordered, fixed...)
	ordered = append(ordered, variable...)

	nodes := make([]NodeMeta, 0, len(ordered))
	var serializedNames []string
	nullBits := make([]string, 0, len(ordered))
	for _, f := range ordered {
		nodes = append(nodes, nodesByName[f.Name]...)
		if f.Type.Kind == Serialized {
			serializedNames = append(serializedNames, f.Name)
		}
		if f.Nullable {
			nullBits = append(nullBits, "1")
		} else {
			nullBits = append(nullBits, "0")
		}
	}

	return &Schema{
		Fixed:                fixed,
		Variable:             variable,
		Nodes:                nodes,
		SerializedFieldNames: strings.Join(serializedNames, ","),
		NullableBitmap:       strings.Join(nullBits, ","),
	}, nil
}

// nodesForField implements the per-field-type node/buffer derivation
// rules of §4.1, walking the field tree outer-first: each field's outer
// node is emitted before its child nodes, with multiplier tracking,
// matching how the engine walks the Arrow-style tree.
func nodesForField(f Field) ([]NodeMeta, error) {
	return nodesForType(f.Name, f.Type, 1, false)
}

func nodesForType(name string, t FieldType, multiplier int, parentGrowable bool) ([]NodeMeta, error) {
	switch t.Kind {
	case String, Serialized:
		return []NodeMeta{{
			FieldName:  name,
			Multiplier: multiplier,
			Buffers: []BufferMeta{
				{Kind: BitMap, Growable: parentGrowable},
				{Kind: Offset, Growable: true},
				{Kind: Data, UnitByteSize: 1, Growable: true},
			},
		}}, nil

	case Boolean:
		return []NodeMeta{{
			FieldName:  name,
			Multiplier: multiplier,
			Buffers: []BufferMeta{
				{Kind: BitMap, Growable: parentGrowable},
				{Kind: BitMap, Growable: parentGrowable},
			},
		}}, nil

	case Number:
		return []NodeMeta{{
			FieldName:  name,
			Multiplier: multiplier,
			Buffers: []BufferMeta{
				{Kind: BitMap, Growable: parentGrowable},
				{Kind: Data, UnitByteSize: 8, Growable: parentGrowable},
			},
		}}, nil

	case PresetIndex:
		return []NodeMeta{{
			FieldName:  name,
			Multiplier: multiplier,
			Buffers: []BufferMeta{
				{Kind: BitMap, Growable: parentGrowable},
				{Kind: Data, UnitByteSize: 4, Growable: parentGrowable},
			},
		}}, nil

	case PresetID:
		return []NodeMeta{{
			FieldName:  name,
			Multiplier: multiplier,
			Buffers: []BufferMeta{
				{Kind: BitMap, Growable: parentGrowable},
				{Kind: Data, UnitByteSize: 16, Growable: parentGrowable},
			},
		}}, nil

	case VariableLengthArray:
		outer := NodeMeta{
			FieldName:  name,
			Multiplier: multiplier,
			Buffers: []BufferMeta{
				{Kind: BitMap, Growable: parentGrowable},
				{Kind: Offset, Growable: true},
			},
		}
		inner, err := nodesForType(name+"[]", *t.Elem, 1, true)
		if err != nil {
			return nil, err
		}
		return append([]NodeMeta{outer}, inner...), nil

	case FixedLengthArray:
		outer := NodeMeta{
			FieldName:  name,
			Multiplier: multiplier,
			Buffers:    []BufferMeta{{Kind: BitMap, Growable: parentGrowable}},
		}
		inner, err := nodesForType(name+"["+strconv.Itoa(t.Len)+"]", *t.Elem, t.Len, parentGrowable)
		if err != nil {
			return nil, err
		}
		return append([]NodeMeta{outer}, inner...), nil

	case Struct:
		outer := NodeMeta{
			FieldName:  name,
			Multiplier: multiplier,
			Buffers:    []BufferMeta{{Kind: BitMap, Growable: parentGrowable}},
		}
		nodes := []NodeMeta{outer}
		for _, child := range t.Fields {
			childNodes, err := nodesForType(name+"."+child.Name, child.Type, 1, parentGrowable)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, childNodes...)
		}
		return nodes, nil

	case presetArrow:
		return nil, engineerr.New(engineerr.Configuration, engineerr.ErrPresetArrowUnreach)

	default:
		return nil, engineerr.New(engineerr.Configuration, engineerr.ErrNotImplemented)
	}
}
