package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnTypeValid(t *testing.T) {
	for _, ct := range ColumnTypes() {
		assert.True(t, ct.Valid(), "expected %q to be valid", ct)
	}
	assert.False(t, ColumnType("blob").Valid())
	assert.False(t, ColumnType("").Valid())
}

func TestColumnTypeIsTemporal(t *testing.T) {
	assert.True(t, ColumnTypeDate.IsTemporal())
	assert.True(t, ColumnTypeDateTime.IsTemporal())
	assert.True(t, ColumnTypeTimestamp.IsTemporal())
	assert.False(t, ColumnTypeVarchar.IsTemporal())
	assert.False(t, ColumnTypeInt.IsTemporal())
}

func TestColumnTypeIsPrimaryCapable(t *testing.T) {
	assert.True(t, ColumnTypeInt.IsPrimaryCapable())
	assert.True(t, ColumnTypeUUID.IsPrimaryCapable())
	assert.False(t, ColumnTypeVarchar.IsPrimaryCapable())
	assert.False(t, ColumnTypeBigInt.IsPrimaryCapable())
}

func TestStringListRoundTrip(t *testing.T) {
	orig := StringList{"draft", "published", "archived"}

	val, err := orig.Value()
	require.NoError(t, err)

	var got StringList
	require.NoError(t, got.Scan(val))
	assert.Equal(t, orig, got)
}

func TestStringListScanNil(t *testing.T) {
	var got StringList
	require.NoError(t, got.Scan(nil))
	assert.Nil(t, got)
}

func TestFieldGroupsRoundTrip(t *testing.T) {
	orig := FieldGroups{{"email"}, {"first_name", "last_name"}}

	val, err := orig.Value()
	require.NoError(t, err)

	var got FieldGroups
	require.NoError(t, got.Scan(val))
	assert.Equal(t, orig, got)
}
