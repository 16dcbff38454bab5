package snapcorpus

// PlatformID identifies a concrete microarchitecture an end state was
// recorded on. End states are keyed by platform because the same snapshot can
// legitimately end differently on different CPU models.
type PlatformID uint32

const (
	// PlatformAny matches every end state regardless of the platform it was
	// recorded on.
	PlatformAny PlatformID = iota
	PlatformIntelHaswell
	PlatformIntelSkylake
	PlatformIntelIcelake
	PlatformAmdRome
	PlatformAmdMilan
	PlatformArmNeoverseN1
	PlatformAmpereOne
)

var platformNames = map[PlatformID]string{
	PlatformAny:           "any",
	PlatformIntelHaswell:  "intel-haswell",
	PlatformIntelSkylake:  "intel-skylake",
	PlatformIntelIcelake:  "intel-icelake",
	PlatformAmdRome:       "amd-rome",
	PlatformAmdMilan:      "amd-milan",
	PlatformArmNeoverseN1: "arm-neoverse-n1",
	PlatformAmpereOne:     "ampere-one",
}

func (id PlatformID) String() string {
	if name, ok := platformNames[id]; ok {
		return name
	}
	return "unknown"
}
