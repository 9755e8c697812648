package subvtypes

type Classification int

const (
	ClassificationOrdinary Classification = iota
	ClassificationSubvolumeBoundary
	ClassificationExternalMount
)

func (c Classification) String() string {
	switch c {
	case ClassificationOrdinary:
		return "ordinary"
	case ClassificationSubvolumeBoundary:
		return "subvolume"
	case ClassificationExternalMount:
		return "external-mount"
	default:
		return "unknown"
	}
}

// (device, inode) pair identifying a directory
type Identity struct {
	Device uint64
	Inode  uint64
}
