package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConverter(t *testing.T) {
	tests := []struct {
		spec string
		in   float64
		want float64
	}{
		{spec: "", in: 3, want: 3},
		{spec: "identity", in: 3, want: 3},
		{spec: "percent_to_ratio", in: 12.5, want: 0.125},
		{spec: "thousands", in: 1.5, want: 1500},
		{spec: "scale:0.5", in: 10, want: 5},
		{spec: "expr:value * 2 + 1", in: 4, want: 9},
		{spec: "expr:round(value / 3, 2)", in: 10, want: 3.33},
		{spec: "expr:max(value, 0)", in: -4, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			conv, err := ParseConverter(tt.spec)
			require.NoError(t, err)
			got, err := conv(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseConverter_Invalid(t *testing.T) {
	for _, spec := range []string{"scale:x", "fahrenheit", "expr:", "expr:value +"} {
		_, err := ParseConverter(spec)
		assert.Error(t, err, spec)
	}
}

func TestExprConverter_RuntimeErrors(t *testing.T) {
	conv, err := ParseConverter(`expr:"text"`)
	require.NoError(t, err)
	_, err = conv(1)
	require.Error(t, err)

	conv, err = ParseConverter("expr:value / 0")
	require.NoError(t, err)
	_, err = conv(1)
	require.Error(t, err)
}
