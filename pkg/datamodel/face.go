package datamodel

import (
	"math"
)

// Point is a 2D coordinate in some image or crop space.
type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Add returns the point translated by p2.
func (p Point) Add(p2 Point) Point {
	return Point{X: p.X + p2.X, Y: p.Y + p2.Y}
}

// Sub returns the point translated by -p2.
func (p Point) Sub(p2 Point) Point {
	return Point{X: p.X - p2.X, Y: p.Y - p2.Y}
}

func (p Point) dist(p2 Point) float32 {
	dx := float64(p.X - p2.X)
	dy := float64(p.Y - p2.Y)
	return float32(math.Sqrt(dx*dx + dy*dy))
}

// Box is an axis-aligned bounding box. Min is the top-left corner, Max the
// bottom-right corner, both in pixels of the image the box refers to.
type Box struct {
	Min Point `json:"min"`
	Max Point `json:"max"`
}

func NewBox(x, y, w, h float32) Box {
	return Box{Min: Point{X: x, Y: y}, Max: Point{X: x + w, Y: y + h}}
}

func (b Box) Width() float32  { return b.Max.X - b.Min.X }
func (b Box) Height() float32 { return b.Max.Y - b.Min.Y }

// Clamp returns the box intersected with the image bounds given by width and
// height.
func (b Box) Clamp(width, height float32) Box {
	clamped := Box{
		Min: Point{X: float32(math.Max(0, float64(b.Min.X))), Y: float32(math.Max(0, float64(b.Min.Y)))},
		Max: Point{X: float32(math.Min(float64(width), float64(b.Max.X))), Y: float32(math.Min(float64(height), float64(b.Max.Y)))},
	}
	if clamped.Max.X < clamped.Min.X {
		clamped.Max.X = clamped.Min.X
	}
	if clamped.Max.Y < clamped.Min.Y {
		clamped.Max.Y = clamped.Min.Y
	}
	return clamped
}

// Detection is one detected face: a bounding box in the coordinate space of
// the input item it was detected in, plus a confidence score in [0, 1].
type Detection struct {
	Box   Box     `json:"box"`
	Score float32 `json:"score"`
}

// Landmarks is an ordered set of facial landmark points. The coordinate space
// depends on where the set came from: the landmark stage produces crop-space
// points, the assembled pipeline output carries image-space points.
type Landmarks struct {
	Points []Point `json:"points"`
}

// Shift returns a copy with every point translated by (dx, dy).
func (l Landmarks) Shift(dx, dy float32) Landmarks {
	shifted := make([]Point, len(l.Points))
	for i, p := range l.Points {
		shifted[i] = Point{X: p.X + dx, Y: p.Y + dy}
	}
	return Landmarks{Points: shifted}
}

// Relative alignment constants. The aligned square is sized from the vertical
// landmark spread and positioned so the landmark centroid sits slightly above
// the box center, which keeps eyes and mouth inside the recognizer crop.
const (
	alignRelX     = 0.5
	alignRelY     = 0.43
	alignRelScale = 0.45
)

// AlignedBox computes a square crop box from the landmark set, clamped to the
// image bounds. The landmarks must be in image space.
func (l Landmarks) AlignedBox(imageWidth, imageHeight float32) Box {
	if len(l.Points) == 0 {
		return Box{}
	}

	var centroid Point
	minY := l.Points[0].Y
	maxY := l.Points[0].Y
	for _, p := range l.Points {
		centroid.X += p.X
		centroid.Y += p.Y
		minY = float32(math.Min(float64(minY), float64(p.Y)))
		maxY = float32(math.Max(float64(maxY), float64(p.Y)))
	}
	centroid.X /= float32(len(l.Points))
	centroid.Y /= float32(len(l.Points))

	size := float32(math.Floor(float64((maxY - minY) / alignRelScale)))
	if size <= 0 {
		size = 1
	}
	x := float32(math.Floor(math.Max(0, float64(centroid.X-alignRelX*size))))
	y := float32(math.Floor(math.Max(0, float64(centroid.Y-alignRelY*size))))

	return NewBox(x, y, size, size).Clamp(imageWidth, imageHeight)
}

// Descriptor is a fixed-length embedding vector representing a face's
// identity features.
type Descriptor []float32

// EuclideanDistance returns the L2 distance between two descriptors of the
// same length.
func (d Descriptor) EuclideanDistance(other Descriptor) float32 {
	var sum float64
	for i := range d {
		diff := float64(d[i] - other[i])
		sum += diff * diff
	}
	return float32(math.Sqrt(sum))
}

// FullFaceDescription aggregates everything the pipeline produced for one
// detected face. Landmarks are in image space. Immutable once constructed.
type FullFaceDescription struct {
	Detection  Detection  `json:"detection"`
	Landmarks  Landmarks  `json:"landmarks"`
	Descriptor Descriptor `json:"descriptor"`

	// ItemIndex is the position of the input item this face was detected in
	// when the pipeline was fed an array input.
	ItemIndex int `json:"item_index"`
}
