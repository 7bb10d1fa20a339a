package bind

import (
	"testing"

	"gem/internal/object"
)

func TestFenceSizeGen4PlusIsUnchanged(t *testing.T) {
	got := FenceSize(Gen965, 3000, object.TilingX)
	if got != 3000 {
		t.Fatalf("FenceSize on gen4+ = %d, want unchanged size 3000", got)
	}
}

func TestFenceSizeUntiledIsUnchanged(t *testing.T) {
	got := FenceSize(Gen915, 3000, object.TilingNone)
	if got != 3000 {
		t.Fatalf("FenceSize for untiled object = %d, want unchanged size 3000", got)
	}
}

func TestFenceSizePreGen4RoundsUpToPowerOfTwo(t *testing.T) {
	cases := []struct {
		gen  Generation
		size uint64
		want uint64
	}{
		{Gen830, 1, 1024 * 1024},
		{Gen830, 2*1024*1024 + 1, 4 * 1024 * 1024},
		{Gen915, 1, 512 * 1024},
		{Gen915, 600 * 1024, 1024 * 1024},
	}
	for _, c := range cases {
		got := FenceSize(c.gen, c.size, object.TilingX)
		if got != c.want {
			t.Errorf("FenceSize(%v, %d) = %d, want %d", c.gen, c.size, got, c.want)
		}
	}
}

func TestFenceAlignmentGen4PlusIsPageSize(t *testing.T) {
	if got := FenceAlignment(Gen965, 10*1024*1024, object.TilingX); got != 4096 {
		t.Fatalf("FenceAlignment on gen4+ = %d, want 4096", got)
	}
}

func TestFenceAlignmentPreGen4MatchesFenceSize(t *testing.T) {
	got := FenceAlignment(Gen915, 1, object.TilingX)
	want := FenceSize(Gen915, 1, object.TilingX)
	if got != want {
		t.Fatalf("FenceAlignment = %d, want %d (== FenceSize)", got, want)
	}
}

func TestPlanRejectsMisalignedFencedRequest(t *testing.T) {
	obj := object.New(1, 1024*1024, false)
	obj.Tiling = object.TilingX
	_, err := Plan(Gen915, obj, 4096, true)
	if err == nil {
		t.Fatal("expected an error for an alignment smaller than the required fence alignment")
	}
}

func TestPlanDefaultsAlignmentWhenZero(t *testing.T) {
	obj := object.New(1, 4096, false)
	obj.Tiling = object.TilingNone
	params, err := Plan(Gen965, obj, 0, true)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if params.Alignment != 4096 {
		t.Fatalf("Alignment = %d, want 4096", params.Alignment)
	}
	if params.Size != obj.Size {
		t.Fatalf("Size = %d, want %d", params.Size, obj.Size)
	}
}

func TestApplySetsFenceableAndMappable(t *testing.T) {
	obj := object.New(1, 1024*1024, false)
	obj.Tiling = object.TilingX
	params, err := Plan(Gen915, obj, 0, true)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	slot := Slot{Start: 0, Size: params.FenceSize, Color: 0}

	Apply(obj, slot, params, 16*1024*1024)

	if !obj.Placement.Bound {
		t.Fatal("expected Placement.Bound")
	}
	if !obj.Placement.Fenceable {
		t.Fatal("expected a fence-sized, fence-aligned slot to be Fenceable")
	}
	if !obj.Placement.Mappable {
		t.Fatal("expected a slot below the mappable boundary to be Mappable")
	}
}

func TestApplyUnalignedSlotIsNotFenceable(t *testing.T) {
	obj := object.New(1, 1024*1024, false)
	obj.Tiling = object.TilingX
	params, err := Plan(Gen915, obj, 0, true)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	slot := Slot{Start: 4096, Size: params.FenceSize, Color: 0}

	Apply(obj, slot, params, 16*1024*1024)

	if obj.Placement.Fenceable {
		t.Fatal("a slot not aligned to the fence alignment must not be Fenceable")
	}
}

func TestApplyBeyondMappableEndIsNotMappable(t *testing.T) {
	obj := object.New(1, 1024*1024, false)
	params, err := Plan(Gen965, obj, 0, false)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	slot := Slot{Start: 32 * 1024 * 1024, Size: params.Size, Color: 0}

	Apply(obj, slot, params, 16*1024*1024)

	if obj.Placement.Mappable {
		t.Fatal("a slot past the mappable boundary must not be Mappable")
	}
}

func TestClearResetsPlacement(t *testing.T) {
	obj := object.New(1, 4096, false)
	obj.Placement = object.Placement{Bound: true, Start: 4096, Size: 4096}
	Clear(obj)
	if obj.Placement.Bound {
		t.Fatal("expected Clear to reset Placement.Bound")
	}
}

func TestPhysPwriteWithoutBackingFails(t *testing.T) {
	obj := object.New(1, 4096, false)
	if err := PhysPwrite(obj, 0, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error writing to an object with no phys backing")
	}
}

func TestPhysPwriteCopiesIntoBuffer(t *testing.T) {
	obj := object.New(1, 4096, false)
	obj.Phys = make([]byte, 4096)
	data := []byte{1, 2, 3, 4}

	if err := PhysPwrite(obj, 10, data); err != nil {
		t.Fatalf("PhysPwrite: %v", err)
	}
	for i, b := range data {
		if obj.Phys[10+i] != b {
			t.Fatalf("Phys[%d] = %d, want %d", 10+i, obj.Phys[10+i], b)
		}
	}
}

func TestPhysPwriteOutOfRangeFails(t *testing.T) {
	obj := object.New(1, 4096, false)
	obj.Phys = make([]byte, 4096)
	if err := PhysPwrite(obj, 4090, make([]byte, 100)); err == nil {
		t.Fatal("expected an out-of-range phys write to fail")
	}
}
