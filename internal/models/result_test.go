package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskValid(t *testing.T) {
	tests := []struct {
		name string
		mask Mask
		want bool
	}{
		{"matching data", Mask{Width: 3, Height: 2, Data: make([]uint8, 6)}, true},
		{"short data", Mask{Width: 3, Height: 2, Data: make([]uint8, 5)}, false},
		{"long data", Mask{Width: 3, Height: 2, Data: make([]uint8, 7)}, false},
		{"zero size", Mask{}, false},
		{"negative size", Mask{Width: -2, Height: -3, Data: make([]uint8, 6)}, false},
		{"overflowing size", Mask{Width: 1 << 32, Height: 1 << 32}, false},
		{"oversized side", Mask{Width: MaxMaskSide + 1, Height: 1, Data: make([]uint8, MaxMaskSide+1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mask.Valid())
		})
	}
}
