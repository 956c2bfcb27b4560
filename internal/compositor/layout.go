package compositor

import (
	"fmt"
	"math"
)

// Region is a rectangle of the output frame assigned to one persona.
type Region struct {
	PersonaID string `json:"persona_id"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	W         int    `json:"w"`
	H         int    `json:"h"`
	// Focal marks the full-frame region of the current speaker.
	Focal bool `json:"focal,omitempty"`
	// Emphasized marks the speaker's region when several personas share the frame.
	Emphasized bool `json:"emphasized,omitempty"`
}

// Intersects reports whether two regions share any area.
func (r Region) Intersects(o Region) bool {
	return r.X < o.X+o.W && o.X < r.X+r.W && r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

func (r Region) within(x0, y0, x1, y1 int) bool {
	return r.X >= x0 && r.Y >= y0 && r.X+r.W <= x1 && r.Y+r.H <= y1
}

// LayoutPlan is the set of visible regions for one segment.
type LayoutPlan struct {
	Mode    Mode     `json:"mode"`
	Regions []Region `json:"regions"`
}

// Focal returns the plan's focal region, if any.
func (p LayoutPlan) Focal() (Region, bool) {
	for _, r := range p.Regions {
		if r.Focal {
			return r, true
		}
	}
	return Region{}, false
}

// CheckNonOverlapping returns an error naming the first pair of regions that
// intersect.
func CheckNonOverlapping(regions []Region) error {
	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			if regions[i].Intersects(regions[j]) {
				return fmt.Errorf("regions %s and %s overlap", regions[i].PersonaID, regions[j].PersonaID)
			}
		}
	}
	return nil
}

type frame struct {
	width, height int
	margin        int
	insetScale    float64
}

func (f frame) switching(speaker string) []Region {
	return []Region{{PersonaID: speaker, W: f.width, H: f.height, Focal: true}}
}

// sideBySide splits the frame into equal vertical strips. Strip edges are
// computed from cumulative boundaries so the strips tile the frame exactly.
func (f frame) sideBySide(visible []string, speaker string) []Region {
	n := len(visible)
	regions := make([]Region, 0, n)
	for i, id := range visible {
		x0 := i * f.width / n
		x1 := (i + 1) * f.width / n
		regions = append(regions, Region{PersonaID: id, X: x0, W: x1 - x0, H: f.height, Emphasized: id == speaker})
	}
	return regions
}

// grid lays out n cells row-major in a ceil(sqrt(n)) column grid.
func (f frame) grid(visible []string, speaker string) []Region {
	n := len(visible)
	cols, rows := gridShape(n)
	regions := make([]Region, 0, n)
	for i, id := range visible {
		col, row := i%cols, i/cols
		x0, x1 := col*f.width/cols, (col+1)*f.width/cols
		y0, y1 := row*f.height/rows, (row+1)*f.height/rows
		regions = append(regions, Region{PersonaID: id, X: x0, Y: y0, W: x1 - x0, H: y1 - y0, Emphasized: id == speaker})
	}
	return regions
}

func gridShape(n int) (cols, rows int) {
	if n <= 0 {
		return 1, 1
	}
	cols = int(math.Ceil(math.Sqrt(float64(n))))
	rows = (n + cols - 1) / cols
	return cols, rows
}

// pictureInPicture places the speaker full frame and the other visible
// personas as insets right-to-left along the bottom edge. Insets stay inside
// the margin band and never touch each other.
func (f frame) pictureInPicture(position int, speaker string, others []string) ([]Region, error) {
	regions := []Region{{PersonaID: speaker, W: f.width, H: f.height, Focal: true}}
	if len(others) == 0 {
		return regions, nil
	}
	w := int(math.Round(float64(f.width) * f.insetScale))
	h := int(math.Round(float64(f.height) * f.insetScale))
	if w <= 0 || h <= 0 {
		return nil, layoutErr(position, "inset scale %.2f produces an empty inset", f.insetScale)
	}
	y := f.height - f.margin - h
	x := f.width - f.margin - w
	insets := make([]Region, 0, len(others))
	for _, id := range others {
		inset := Region{PersonaID: id, X: x, Y: y, W: w, H: h}
		if !inset.within(f.margin, f.margin, f.width-f.margin, f.height-f.margin) {
			return nil, layoutErr(position, "%d insets at scale %.2f do not fit inside the %dpx margin", len(others), f.insetScale, f.margin)
		}
		insets = append(insets, inset)
		x -= w + f.margin
	}
	if err := CheckNonOverlapping(insets); err != nil {
		return nil, layoutErr(position, "%v", err)
	}
	return append(regions, insets...), nil
}
