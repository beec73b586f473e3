package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/simengine/pkg/engineerr"
	"github.com/codeready-toolchain/simengine/pkg/schema"
)

func TestMaterialize_ReservedFieldPartitioning(t *testing.T) {
	s, err := schema.NewBuilder().
		Add("previous_index", schema.FieldType{Kind: schema.PresetIndex}, false).
		Add("x", schema.FieldType{Kind: schema.Number}, false).
		Add("tags", schema.FieldType{Kind: schema.VariableLengthArray, Elem: &schema.FieldType{Kind: schema.String}}, true).
		Materialize()
	require.NoError(t, err)

	require.Len(t, s.Fixed, 2)
	assert.Equal(t, "previous_index", s.Fixed[0].Name)
	assert.Equal(t, "x", s.Fixed[1].Name)
	require.Len(t, s.Variable, 1)
	assert.Equal(t, "tags", s.Variable[0].Name)

	assert.Equal(t, "1,0,1", s.NullableBitmap)
	assert.Equal(t, "", s.SerializedFieldNames)
}

func TestMaterialize_MissingReservedFieldFails(t *testing.T) {
	_, err := schema.NewBuilder().
		Add("x", schema.FieldType{Kind: schema.Number}, false).
		Materialize()
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrSpecialKeyMissing)
	kind, ok := engineerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, engineerr.Configuration, kind)
}

func TestMaterialize_SerializedFieldNames(t *testing.T) {
	s, err := schema.NewBuilder().
		Add("previous_index", schema.FieldType{Kind: schema.PresetIndex}, false).
		Add("blob", schema.FieldType{Kind: schema.Serialized}, true).
		Add("another", schema.FieldType{Kind: schema.Serialized}, true).
		Materialize()
	require.NoError(t, err)
	assert.Equal(t, "another,blob", s.SerializedFieldNames) // sorted with the variable partition
}

func TestIsFixedSize(t *testing.T) {
	assert.True(t, schema.IsFixedSize(schema.FieldType{Kind: schema.Number}))
	assert.True(t, schema.IsFixedSize(schema.FieldType{Kind: schema.PresetIndex}))
	assert.False(t, schema.IsFixedSize(schema.FieldType{Kind: schema.String}))
	assert.False(t, schema.IsFixedSize(schema.FieldType{Kind: schema.VariableLengthArray, Elem: &schema.FieldType{Kind: schema.Number}}))
	assert.True(t, schema.IsFixedSize(schema.FieldType{Kind: schema.FixedLengthArray, Len: 3, Elem: &schema.FieldType{Kind: schema.Number}}))
	assert.False(t, schema.IsFixedSize(schema.FieldType{Kind: schema.FixedLengthArray, Len: 3, Elem: &schema.FieldType{Kind: schema.String}}))
	assert.True(t, schema.IsFixedSize(schema.FieldType{Kind: schema.Struct, Fields: []schema.Field{
		{Name: "a", Type: schema.FieldType{Kind: schema.Number}},
	}}))
	assert.False(t, schema.IsFixedSize(schema.FieldType{Kind: schema.Struct, Fields: []schema.Field{
		{Name: "a", Type: schema.FieldType{Kind: schema.String}},
	}}))
}
