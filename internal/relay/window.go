package relay

const (
	maxPopupWidth  = 800
	maxPopupHeight = 700
)

// Screen is the available screen area the parent lives on, in pixels.
// X and Y are the parent's screen position.
type Screen struct {
	Width  int
	Height int
	X      int
	Y      int
}

// Window is the geometry and chrome requested for a login popup
type Window struct {
	Width  int
	Height int
	Left   int
	Top    int

	// Chrome enables menu, toolbar and location bars
	Chrome bool
}

// PopupWindow sizes a popup to 80% of the screen, capped at 800x700,
// centered on the parent's screen position, without chrome.
func PopupWindow(s Screen) Window {
	w := min(maxPopupWidth, s.Width*8/10)
	h := min(maxPopupHeight, s.Height*8/10)
	return Window{
		Width:  w,
		Height: h,
		Left:   (s.Width-w)/2 + s.X,
		Top:    (s.Height-h)/2 + s.Y,
	}
}
