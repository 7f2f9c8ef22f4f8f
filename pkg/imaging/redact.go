package imaging

import (
	"image"
	"math"

	"github.com/lifelogd/lifelogd/pkg/inference"
)

// PrivateLabels is the fixed set of privacy-sensitive categories the
// promptable segmenter is queried with during redaction.
var PrivateLabels = []string{
	"face",
	"face with glasses or masks",
	"screen content (e.g. computer screen, phone screen, tablet screen)",
	"private document (e.g. bank statement, tax document, medical record, passport, visa, id card)",
	"home address (e.g. on a letter, package, or document)",
	"license plate",
	"signature",
	"cards (e.g. credit card, id card, bank card)",
}

// boxExpansion is the fractional growth applied to face boxes before the
// oval mask is drawn.
const boxExpansion = 0.1

// mosaicScaleRatio sets the hexagon radius as a fraction of the image
// diagonal.
const mosaicScaleRatio = 0.0075

// ExpandBox grows a box by frac of its own size in each direction, clamped
// to the image bounds.
func ExpandBox(box [4]int, width, height int, frac float64) [4]int {
	w := box[2] - box[0]
	h := box[3] - box[1]
	x1 := box[0] - int(float64(w)*frac)
	y1 := box[1] - int(float64(h)*frac)
	x2 := box[2] + int(float64(w)*frac)
	y2 := box[3] + int(float64(h)*frac)
	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > width {
		x2 = width
	}
	if y2 > height {
		y2 = height
	}
	return [4]int{x1, y1, x2, y2}
}

// OvalMask paints axis-aligned ovals over each box, expanded by 10%, into a
// fresh mask of the given size.
func OvalMask(boxes [][4]int, width, height int) *inference.Mask {
	mask := inference.NewMask(width, height)
	for _, box := range boxes {
		b := ExpandBox(box, width, height, boxExpansion)
		bw := b[2] - b[0]
		bh := b[3] - b[1]
		if bw <= 0 || bh <= 0 {
			continue
		}
		cx := float64(b[0]) + float64(bw)/2
		cy := float64(b[1]) + float64(bh)/2
		rx := float64(bw) / 2
		ry := float64(bh) / 2
		for y := b[1]; y < b[3]; y++ {
			for x := b[0]; x < b[2]; x++ {
				dx := (float64(x) + 0.5 - cx) / rx
				dy := (float64(y) + 0.5 - cy) / ry
				if dx*dx+dy*dy <= 1 {
					mask.Set(x, y, true)
				}
			}
		}
	}
	return mask
}

// Union merges other into mask in place. Size mismatches are ignored per
// pixel via bounds checks.
func Union(mask, other *inference.Mask) {
	if other == nil {
		return
	}
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if other.At(x, y) {
				mask.Set(x, y, true)
			}
		}
	}
}

// Subtract clears every pixel of mask inside the given boxes. Used to carve
// whitelisted faces back out of the redaction mask.
func Subtract(mask *inference.Mask, boxes [][4]int) {
	for _, b := range boxes {
		for y := b[1]; y < b[3]; y++ {
			for x := b[0]; x < b[2]; x++ {
				mask.Set(x, y, false)
			}
		}
	}
}

// MosaicMasked applies a hexagonal-tile mosaic to src wherever mask is set.
// Tile radius scales with the image diagonal; each tile takes the colour of
// the pixel at its centre.
func MosaicMasked(src image.Image, mask *inference.Mask) *image.NRGBA {
	bounds := src.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Set(x, y, src.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}

	diagonal := math.Sqrt(float64(w*w + h*h))
	size := int(diagonal * mosaicScaleRatio)
	if size < 4 {
		size = 4
	}

	vStep := int(float64(size) * 1.5)
	hStep := int(float64(size) * math.Sqrt(3))

	for y := 0; y <= h+vStep; y += vStep {
		offset := 0
		if (y/vStep)%2 == 1 {
			offset = hStep / 2
		}
		for x := -offset; x <= w+hStep; x += hStep {
			cx := clampInt(x, 0, w-1)
			cy := clampInt(y, 0, h-1)
			if !mask.At(cx, cy) {
				continue
			}
			colour := out.NRGBAAt(cx, cy)
			fillHexagon(out, x, y, size, colour, mask)
		}
	}
	return out
}

// fillHexagon rasterises a pointy-top hexagon centred at (cx, cy). Pixels
// are only written inside the mask so redaction never bleeds outside it.
func fillHexagon(img *image.NRGBA, cx, cy, size int, colour interface{ RGBA() (r, g, b, a uint32) }, mask *inference.Mask) {
	r, g, b, a := colour.RGBA()
	c := [4]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}

	var xs, ys [6]float64
	for i := 0; i < 6; i++ {
		angle := math.Pi / 180 * (60*float64(i) - 30)
		xs[i] = float64(cx) + float64(size)*math.Cos(angle)
		ys[i] = float64(cy) + float64(size)*math.Sin(angle)
	}

	minY := int(math.Floor(ys[0]))
	maxY := minY
	minX := int(math.Floor(xs[0]))
	maxX := minX
	for i := 1; i < 6; i++ {
		minY = minInt(minY, int(math.Floor(ys[i])))
		maxY = maxInt(maxY, int(math.Ceil(ys[i])))
		minX = minInt(minX, int(math.Floor(xs[i])))
		maxX = maxInt(maxX, int(math.Ceil(xs[i])))
	}

	bounds := img.Bounds()
	for y := maxInt(minY, 0); y <= minInt(maxY, bounds.Max.Y-1); y++ {
		for x := maxInt(minX, 0); x <= minInt(maxX, bounds.Max.X-1); x++ {
			if !pointInPolygon(float64(x)+0.5, float64(y)+0.5, xs[:], ys[:]) {
				continue
			}
			if !mask.At(x, y) {
				continue
			}
			i := img.PixOffset(x, y)
			img.Pix[i] = c[0]
			img.Pix[i+1] = c[1]
			img.Pix[i+2] = c[2]
			img.Pix[i+3] = c[3]
		}
	}
}

func pointInPolygon(px, py float64, xs, ys []float64) bool {
	inside := false
	j := len(xs) - 1
	for i := 0; i < len(xs); i++ {
		if (ys[i] > py) != (ys[j] > py) &&
			px < (xs[j]-xs[i])*(py-ys[i])/(ys[j]-ys[i])+xs[i] {
			inside = !inside
		}
		j = i
	}
	return inside
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
