package searchdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *TableSchema {
	return &TableSchema{
		Name:       "nf_fields",
		ExtraName:  "nf_fields_extras",
		SearchCols: []string{"degree", "class_number", "label", "ramps"},
		ExtraCols:  []string{"coeffs"},
		ColumnType: map[string]string{
			"degree":       "integer",
			"class_number": "integer",
			"label":        "text",
			"ramps":        "jsonb",
			"coeffs":       "jsonb",
		},
		LabelColumn: "label",
	}
}

func TestParseEqualityQuery(t *testing.T) {
	cond, err := ParseQuery(Query{"degree": 2, "class_number": 6}, testSchema())
	require.NoError(t, err)

	and, ok := cond.(And)
	require.True(t, ok)
	require.Len(t, and, 2)

	// Keys are processed in sorted order, so class_number compiles first.
	first, ok := and[0].(Equals)
	require.True(t, ok)
	assert.Equal(t, "class_number", first.Column.Name)
	assert.Equal(t, 6, first.Value)

	second, ok := and[1].(Equals)
	require.True(t, ok)
	assert.Equal(t, "degree", second.Column.Name)
	assert.Equal(t, 2, second.Value)
}

func TestParseEmptyQuery(t *testing.T) {
	cond, err := ParseQuery(Query{}, testSchema())
	require.NoError(t, err)
	assert.Nil(t, cond)

	cond, err = ParseQuery(nil, testSchema())
	require.NoError(t, err)
	assert.Nil(t, cond)
}

func TestParseSingleEqualityIsNotWrapped(t *testing.T) {
	cond, err := ParseQuery(Query{"degree": 2}, testSchema())
	require.NoError(t, err)
	eq, ok := cond.(Equals)
	require.True(t, ok)
	assert.Equal(t, "degree", eq.Column.Name)
	assert.False(t, eq.Column.JSONB)
}

func TestParseComparisonOperators(t *testing.T) {
	cond, err := ParseQuery(Query{"degree": map[string]any{"$lte": 5, "$gt": 1}}, testSchema())
	require.NoError(t, err)

	and, ok := cond.(And)
	require.True(t, ok)
	require.Len(t, and, 2)

	gt, ok := and[0].(Compare)
	require.True(t, ok)
	assert.Equal(t, OpGT, gt.Op)
	assert.Equal(t, 1, gt.Value)

	lte, ok := and[1].(Compare)
	require.True(t, ok)
	assert.Equal(t, OpLTE, lte.Op)
	assert.Equal(t, 5, lte.Value)
}

func TestParseInOperator(t *testing.T) {
	cond, err := ParseQuery(Query{"degree": map[string]any{"$in": []int{2, 3, 5}}}, testSchema())
	require.NoError(t, err)
	in, ok := cond.(In)
	require.True(t, ok)
	assert.Equal(t, []any{2, 3, 5}, in.Values)

	_, err = ParseQuery(Query{"degree": map[string]any{"$in": 2}}, testSchema())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeMalformedOperator))
}

func TestParseInRejectedOnStructuredColumn(t *testing.T) {
	_, err := ParseQuery(Query{"ramps": map[string]any{"$in": []int{2, 3}}}, testSchema())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeMalformedOperator))
}

func TestParseContains(t *testing.T) {
	cond, err := ParseQuery(Query{"ramps": map[string]any{"$contains": []any{2, 3}}}, testSchema())
	require.NoError(t, err)
	contains, ok := cond.(Contains)
	require.True(t, ok)
	assert.Equal(t, "ramps", contains.Column.Name)
	assert.True(t, contains.Column.JSONB)
}

func TestParseExists(t *testing.T) {
	cond, err := ParseQuery(Query{"ramps": map[string]any{"$exists": true}}, testSchema())
	require.NoError(t, err)
	exists, ok := cond.(Exists)
	require.True(t, ok)
	assert.True(t, exists.Present)

	_, err = ParseQuery(Query{"ramps": map[string]any{"$exists": 1}}, testSchema())
	require.Error(t, err)
}

func TestParseDottedPath(t *testing.T) {
	cond, err := ParseQuery(Query{"ramps.0": 2}, testSchema())
	require.NoError(t, err)
	eq, ok := cond.(Equals)
	require.True(t, ok)
	assert.Equal(t, "ramps", eq.Column.Name)
	require.Len(t, eq.Column.Path, 1)
	assert.True(t, eq.Column.Path[0].IsIndex)
	assert.Equal(t, 0, eq.Column.Path[0].Index)
	assert.True(t, eq.Column.JSONB)
}

func TestParseUnknownColumn(t *testing.T) {
	_, err := ParseQuery(Query{"conductor": 1}, testSchema())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeUnknownColumn))

	// Extras columns are not searchable.
	_, err = ParseQuery(Query{"coeffs": map[string]any{"$contains": []any{1}}}, testSchema())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeUnknownColumn))
}

func TestParseIDIsQueryable(t *testing.T) {
	cond, err := ParseQuery(Query{"id": int64(7)}, testSchema())
	require.NoError(t, err)
	eq, ok := cond.(Equals)
	require.True(t, ok)
	assert.Equal(t, "id", eq.Column.Name)
}

func TestParseTopLevelOr(t *testing.T) {
	cond, err := ParseQuery(Query{"$or": []any{
		map[string]any{"degree": 2},
		map[string]any{"class_number": 1},
	}}, testSchema())
	require.NoError(t, err)
	or, ok := cond.(Or)
	require.True(t, ok)
	assert.Len(t, or, 2)
}

func TestParseColumnScopedOr(t *testing.T) {
	cond, err := ParseQuery(Query{"degree": map[string]any{"$or": []any{
		map[string]any{"$lte": 2},
		map[string]any{"$gte": 10},
	}}}, testSchema())
	require.NoError(t, err)
	or, ok := cond.(Or)
	require.True(t, ok)
	require.Len(t, or, 2)
	lte, ok := or[0].(Compare)
	require.True(t, ok)
	assert.Equal(t, "degree", lte.Column.Name)
	assert.Equal(t, OpLTE, lte.Op)
}

func TestParseUnknownOperator(t *testing.T) {
	_, err := ParseQuery(Query{"degree": map[string]any{"$regex": "^2"}}, testSchema())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeMalformedOperator))
}

func TestParseOperatorWithoutColumn(t *testing.T) {
	_, err := ParseQuery(Query{"$lte": 5}, testSchema())
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeMalformedOperator))
}

func TestParseNilMatchesNull(t *testing.T) {
	cond, err := ParseQuery(Query{"label": nil}, testSchema())
	require.NoError(t, err)
	eq, ok := cond.(Equals)
	require.True(t, ok)
	assert.Nil(t, eq.Value)
}
