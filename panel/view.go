package panel

import "fmt"

// Zoom bounds, in percent.
const (
	MinZoom     = 25
	MaxZoom     = 300
	ZoomStep    = 10
	DefaultZoom = 100
)

// Layout arranges the two versions.
type Layout string

const (
	SideBySide Layout = "side-by-side"
	Stacked    Layout = "stacked"
)

// ParseLayout accepts "side-by-side" (or "horizontal") and "stacked" (or
// "vertical").
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", string(SideBySide), "horizontal":
		return SideBySide, nil
	case string(Stacked), "vertical":
		return Stacked, nil
	}
	return "", fmt.Errorf("panel: unknown layout %q", s)
}

// View is the presentation state of the panel.
type View struct {
	Zoom       int    `json:"zoom"`
	Layout     Layout `json:"layout"`
	Fullscreen bool   `json:"fullscreen"`
}

// DefaultView is 100 %, side by side, not fullscreen.
func DefaultView() View {
	return View{Zoom: DefaultZoom, Layout: SideBySide}
}

// Scale returns the zoom as a factor (1.0 = 100 %).
func (v View) Scale() float64 { return float64(v.Zoom) / 100 }

// ClampZoom bounds z to [MinZoom, MaxZoom].
func ClampZoom(z int) int {
	switch {
	case z < MinZoom:
		return MinZoom
	case z > MaxZoom:
		return MaxZoom
	}
	return z
}
