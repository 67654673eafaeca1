package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPopupWindow(t *testing.T) {
	tests := []struct {
		name   string
		screen Screen
		want   Window
	}{
		{
			name:   "large screen is capped",
			screen: Screen{Width: 1920, Height: 1080},
			want:   Window{Width: 800, Height: 700, Left: 560, Top: 190},
		},
		{
			name:   "small screen uses 80 percent",
			screen: Screen{Width: 800, Height: 600},
			want:   Window{Width: 640, Height: 480, Left: 80, Top: 60},
		},
		{
			name:   "offset by parent position",
			screen: Screen{Width: 1000, Height: 800, X: 1920, Y: 40},
			want:   Window{Width: 800, Height: 640, Left: 2020, Top: 120},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PopupWindow(tt.screen)
			assert.Equal(t, tt.want, got)
			assert.False(t, got.Chrome)
		})
	}
}
