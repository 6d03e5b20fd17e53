package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dmall00/opendarts-autoscore/internal/session"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

const (
	DefaultSize = 400
	MinSize     = 120
	MaxSize     = 2048
	footer      = 40
)

var (
	background = color.RGBA{R: 24, G: 24, B: 24, A: 255}
	ring       = color.RGBA{R: 90, G: 90, B: 90, A: 255}
	bull       = color.RGBA{R: 200, G: 40, B: 40, A: 255}
	dartColor  = color.RGBA{R: 0, G: 220, B: 90, A: 255}
	textColor  = color.RGBA{R: 230, G: 230, B: 230, A: 255}
)

// Board draws a session snapshot as PNG: the normalized board square,
// confirmed darts with their index, and a status footer. Darts recorded off
// the board (misses and manual entries) are listed in the footer instead.
func Board(w io.Writer, snap session.Snapshot, size int) error {
	if size <= 0 {
		size = DefaultSize
	}
	size = max(MinSize, min(size, MaxSize))

	img := image.NewRGBA(image.Rect(0, 0, size, size+footer))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)

	center := float64(size) / 2
	drawCircle(img, center, center, center-2, ring)
	drawCircle(img, center, center, center*0.62, ring)
	drawCircle(img, center, center, center*0.05, bull)

	offBoard := 0
	for i, p := range snap.ConfirmedDarts {
		if !onBoard(p) {
			offBoard++
			continue
		}
		x := int(p.X * float64(size))
		y := int(p.Y * float64(size))
		fillSquare(img, x, y, 3, dartColor)
		label(img, x+6, y-4, fmt.Sprintf("%d", i+1), dartColor)
	}

	header := fmt.Sprintf("%s/%s", snap.PlayerID, snap.SessionID)
	label(img, 4, 14, header, textColor)

	status := fmt.Sprintf("darts %d (off-board %d)  visible %d", len(snap.ConfirmedDarts), offBoard, snap.VisibleDarts)
	label(img, 4, size+15, status, textColor)
	gate := "waiting for clear"
	if snap.BoardCleared {
		gate = "accepting darts"
	}
	calib := fmt.Sprintf("calibration %d ok / %d failed  %s", snap.ConsecutiveCalibrations, snap.ConsecutiveFailedCalibrations, gate)
	label(img, 4, size+32, calib, textColor)

	return png.Encode(w, img)
}

func onBoard(p types.Point) bool {
	return p.X >= 0 && p.X <= 1 && p.Y >= 0 && p.Y <= 1
}

func label(img *image.RGBA, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func fillSquare(img *image.RGBA, cx, cy, half int, c color.Color) {
	r := image.Rect(cx-half, cy-half, cx+half+1, cy+half+1).Intersect(img.Bounds())
	draw.Draw(img, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
}

func drawCircle(img *image.RGBA, cx, cy, radius float64, c color.Color) {
	steps := int(2 * math.Pi * radius)
	if steps < 16 {
		steps = 16
	}
	for i := 0; i < steps; i++ {
		a := 2 * math.Pi * float64(i) / float64(steps)
		x := int(math.Round(cx + radius*math.Cos(a)))
		y := int(math.Round(cy + radius*math.Sin(a)))
		if image.Pt(x, y).In(img.Bounds()) {
			img.Set(x, y, c)
		}
	}
}
