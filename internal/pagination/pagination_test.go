package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name        string
		page, limit int
		want        Params
	}{
		{"defaults", 0, 0, Params{Page: 1, Limit: DefaultLimit}},
		{"negative page", -3, 10, Params{Page: 1, Limit: 10}},
		{"limit capped", 1, 500, Params{Page: 1, Limit: MaxLimit}},
		{"passthrough", 4, 25, Params{Page: 4, Limit: 25}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.page, tc.limit))
		})
	}
}

func TestOffset(t *testing.T) {
	assert.Equal(t, 0, Normalize(1, 20).Offset())
	assert.Equal(t, 40, Normalize(3, 20).Offset())
}
