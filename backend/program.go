package backend

import "fmt"

type ProgramKind uint8

// Supported program kinds.
const (
	RayGenProgram ProgramKind = iota
	MissProgram
	ClosestHitProgram
	AnyHitProgram
	IntersectionProgram
	BoundsProgram
	HitGroupProgram
)

// Implements Stringer.
func (k ProgramKind) String() string {
	switch k {
	case RayGenProgram:
		return "raygen"
	case MissProgram:
		return "miss"
	case ClosestHitProgram:
		return "closesthit"
	case AnyHitProgram:
		return "anyhit"
	case IntersectionProgram:
		return "intersection"
	case BoundsProgram:
		return "bounds"
	case HitGroupProgram:
		return "hitgroup"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// The symbol prefix modules use for entry points of this kind.
func (k ProgramKind) Prefix() string {
	switch k {
	case RayGenProgram:
		return "__raygen__"
	case MissProgram:
		return "__miss__"
	case ClosestHitProgram:
		return "__closesthit__"
	case AnyHitProgram:
		return "__anyhit__"
	case IntersectionProgram:
		return "__intersection__"
	case BoundsProgram:
		return "__boundsFunc__"
	}
	return ""
}

// The full module symbol for an entry point name.
func (k ProgramKind) Symbol(name string) string {
	return k.Prefix() + name
}
