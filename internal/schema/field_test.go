package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestField_UnmarshalJSON_CoercesDefault(t *testing.T) {
	var f Field
	err := json.Unmarshal([]byte(`{"name":"published","type":"bool","default":false}`), &f)
	require.NoError(t, err)
	assert.Equal(t, Bool(false), f.Default)

	err = json.Unmarshal([]byte(`{"name":"published","type":"bool","default":"nope"}`), &f)
	assert.Error(t, err)
}

func TestField_MarshalJSON_RoundTrip(t *testing.T) {
	f := Field{
		Name:    "title",
		Kind:    KindText,
		Required: true,
		Max:     floatPtr(200),
		Default: Text("untitled"),
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var back Field
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, f, back)
}
