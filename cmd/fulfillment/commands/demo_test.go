package commands

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDemo(t *testing.T) {
	tests := []struct {
		name  string
		opts  DemoOptions
		want  []string
		stock string
	}{
		{
			name:  "paid",
			opts:  DemoOptions{Units: 2},
			want:  []string{"order 1 placed: accepted", "order 1 is paid, total 19.98", "payment: charged 19.98"},
			stock: `catalog stock of "demo mug": 3`,
		},
		{
			name:  "out of stock",
			opts:  DemoOptions{Units: demoStock + 1},
			want:  []string{"stock_rejected", "order 1 is cancelled"},
			stock: `catalog stock of "demo mug": 5`,
		},
		{
			name:  "declined",
			opts:  DemoOptions{Units: 1, Decline: true},
			want:  []string{"payment_failed", "order 1 is cancelled", "payment: declined"},
			stock: `catalog stock of "demo mug": 5`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, RunDemo(context.Background(), &out, tt.opts))
			for _, want := range tt.want {
				assert.Contains(t, out.String(), want)
			}
			assert.Contains(t, out.String(), tt.stock)
		})
	}
}
