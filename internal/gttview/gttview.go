// Package gttview renders a PNG snapshot of aperture occupancy and fence
// register LRU order for operator diagnostics. It is a read-only consumer
// of gem.Manager state (SPEC_FULL.md §2 domain-stack wiring); nothing here
// feeds back into bind/fence/eviction decisions.
//
// The drawing approach is grounded on the teacher's debug-overlay circle
// (mazboot/golang/main/gg_circle_qemu.go: a gg.Context sized to the target
// surface, cleared, drawn into with SetRGB/DrawRectangle/Fill, then
// flushed) generalized from a framebuffer flush to a PNG encode.
package gttview

import (
	"fmt"
	"image/color"
	"io"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/colornames"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"gem/internal/object"
)

// RangeEntry is one node of the aperture's address-ordered free list, as
// produced by gtrange.Range.Walk.
type RangeEntry struct {
	Start, Size uint64
	Allocated   bool
	Handle      object.Handle
}

// FenceEntry is one hardware fence register's occupant, as produced by
// fence.Registry.SlotAt.
type FenceEntry struct {
	Index  int
	Handle object.Handle // 0 if the slot is empty
	Pinned bool
}

// Snapshot is everything the renderer needs, gathered under the device lock
// by the caller (gem.Manager.DebugSnapshot) so the render itself can run
// lock-free.
type Snapshot struct {
	ApertureBase  uint64
	ApertureTotal uint64
	MappableEnd   uint64
	Ranges        []RangeEntry
	Fences        []FenceEntry
	// LRU holds fence slot indices least-to-most-recently-used, as returned
	// by fence.Registry.LRUOrder.
	LRU []int
}

const (
	width     = 1024
	barHeight = 64
	barTop    = 40
	fenceSize = 48
	fenceGap  = 12
	fenceTop  = barTop + barHeight + 56
	labelSize = 12
)

var face font.Face

func init() {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		// goregular.TTF is a fixed embedded asset; a parse failure here
		// would mean a corrupt build, not a runtime condition to recover
		// from.
		panic(fmt.Sprintf("gttview: parsing embedded font: %v", err))
	}
	face = truetype.NewFace(f, &truetype.Options{Size: labelSize})
}

// colorFor derives a stable, visually distinct fill color for a handle by
// indexing into x/image's named color table, so the same object always
// renders the same color across successive snapshots.
func colorFor(h object.Handle) color.Color {
	if h == 0 {
		return color.RGBA{R: 0x30, G: 0x30, B: 0x30, A: 0xFF}
	}
	names := colornames.Names
	return colornames.Map[names[int(h)%len(names)]]
}

// Render draws snap as a PNG and writes it to w: a horizontal bar for the
// aperture address space (free ranges dark gray, allocated ranges colored
// by handle, a vertical marker at the mappable boundary), followed by a row
// of boxes for the fence registers in LRU order, left = least recently
// used = next to be stolen.
func Render(snap Snapshot, w io.Writer) error {
	height := fenceTop + fenceSize + 40
	ctx := gg.NewContext(width, height)
	ctx.SetColor(color.White)
	ctx.Clear()
	ctx.SetFontFace(face)

	if err := drawApertureBar(ctx, snap); err != nil {
		return err
	}
	drawFenceRow(ctx, snap)

	return ctx.EncodePNG(w)
}

func drawApertureBar(ctx *gg.Context, snap Snapshot) error {
	if snap.ApertureTotal == 0 {
		return fmt.Errorf("gttview: empty aperture snapshot")
	}
	scale := float64(width) / float64(snap.ApertureTotal)

	ctx.SetColor(color.RGBA{R: 0xE8, G: 0xE8, B: 0xE8, A: 0xFF})
	ctx.DrawRectangle(0, barTop, width, barHeight)
	ctx.Fill()

	for _, r := range snap.Ranges {
		x0 := float64(r.Start-snap.ApertureBase) * scale
		w := float64(r.Size) * scale
		if w < 1 {
			w = 1
		}
		ctx.SetColor(colorFor(fenceHandle(r)))
		ctx.DrawRectangle(x0, barTop, w, barHeight)
		ctx.Fill()

		if r.Allocated && w > 18 {
			ctx.SetColor(color.Black)
			label := fmt.Sprintf("#%d (%dK)", r.Handle, r.Size/1024)
			ctx.DrawStringAnchored(label, x0+2, barTop+barHeight/2, 0, 0.3)
		}
	}

	if snap.MappableEnd > snap.ApertureBase {
		mx := float64(snap.MappableEnd-snap.ApertureBase) * scale
		ctx.SetLineWidth(2)
		ctx.SetColor(color.RGBA{R: 0xC0, G: 0, B: 0, A: 0xFF})
		ctx.DrawLine(mx, barTop-6, mx, barTop+barHeight+6)
		ctx.Stroke()
		ctx.DrawStringAnchored("mappable end", mx, barTop-14, 0.5, 0)
	}
	return nil
}

// fenceHandle returns 0 for unallocated ranges so colorFor paints them the
// neutral free color.
func fenceHandle(r RangeEntry) object.Handle {
	if !r.Allocated {
		return 0
	}
	return r.Handle
}

func drawFenceRow(ctx *gg.Context, snap Snapshot) {
	ctx.SetColor(color.Black)
	ctx.DrawString("fence LRU (steal order, left = oldest)", 0, fenceTop-10)

	order := snap.LRU
	if len(order) == 0 {
		for i := range snap.Fences {
			order = append(order, i)
		}
	}
	byIndex := make(map[int]FenceEntry, len(snap.Fences))
	for _, fe := range snap.Fences {
		byIndex[fe.Index] = fe
	}

	for pos, idx := range order {
		fe := byIndex[idx]
		x := float64(pos) * (fenceSize + fenceGap)
		ctx.SetColor(colorFor(fe.Handle))
		ctx.DrawRectangle(x, fenceTop, fenceSize, fenceSize)
		ctx.Fill()
		ctx.SetColor(color.Black)
		ctx.DrawRectangle(x, fenceTop, fenceSize, fenceSize)
		ctx.Stroke()

		label := fmt.Sprintf("%d", idx)
		if fe.Handle != 0 {
			label = fmt.Sprintf("%d:#%d", idx, fe.Handle)
		}
		ctx.DrawStringAnchored(label, x+fenceSize/2, fenceTop+fenceSize/2, 0.5, 0.5)
		if fe.Pinned {
			ctx.DrawStringAnchored("pinned", x+fenceSize/2, fenceTop+fenceSize+12, 0.5, 0.5)
		}
	}
}
