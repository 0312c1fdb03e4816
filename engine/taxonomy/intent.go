package taxonomy

import "strings"

// Intent is a detected query intent used to pick a retrieval weight profile.
type Intent string

const (
	IntentHowTo        Intent = "how_to"
	IntentWhatHappened Intent = "what_happened"
	IntentWhatIs       Intent = "what_is"
	IntentDebug        Intent = "debug"
	IntentGeneral      Intent = "general"
)

func (i Intent) String() string { return string(i) }

// WorkingMemoryKey is the profile key for the working-memory share of the
// token budget; all other keys are "<category>.<subtype>".
const WorkingMemoryKey = "working_memory"

// WeightProfile maps profile keys to relative weights summing to ~1.0.
type WeightProfile map[string]float64

var intentWeights = map[Intent]WeightProfile{
	IntentHowTo: {
		WorkingMemoryKey:       0.25,
		"procedural.workflow":  0.25,
		"procedural.pattern":   0.15,
		"semantic.project":     0.15,
		"semantic.entity":      0.10,
		"preference.style":     0.05,
		"episodic.decision":    0.05,
	},
	IntentWhatHappened: {
		WorkingMemoryKey:        0.20,
		"episodic.decision":     0.30,
		"episodic.event":        0.20,
		"episodic.outcome":      0.15,
		"semantic.project":      0.10,
		"episodic.conversation": 0.05,
	},
	IntentWhatIs: {
		WorkingMemoryKey:       0.20,
		"semantic.entity":      0.30,
		"semantic.project":     0.20,
		"semantic.domain":      0.15,
		"semantic.environment": 0.10,
		"episodic.decision":    0.05,
	},
	IntentDebug: {
		WorkingMemoryKey:       0.30,
		"procedural.debugging": 0.25,
		"episodic.outcome":     0.20,
		"semantic.environment": 0.10,
		"semantic.entity":      0.10,
		"preference.tools":     0.05,
	},
	IntentGeneral: {
		WorkingMemoryKey:           0.35,
		"semantic.project":         0.15,
		"episodic.decision":        0.15,
		"semantic.entity":          0.10,
		"procedural.workflow":      0.10,
		"preference.communication": 0.10,
		"semantic.user":            0.05,
	},
}

// Weights returns the retrieval profile for an intent, defaulting to the
// general profile for unknown intents. The returned map is a copy.
func Weights(i Intent) WeightProfile {
	profile, ok := intentWeights[i]
	if !ok {
		profile = intentWeights[IntentGeneral]
	}
	out := make(WeightProfile, len(profile))
	for k, v := range profile {
		out[k] = v
	}
	return out
}

// ParseIntent normalizes a raw intent string, returning general for anything
// outside the fixed set.
func ParseIntent(raw string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case IntentHowTo:
		return IntentHowTo
	case IntentWhatHappened:
		return IntentWhatHappened
	case IntentWhatIs:
		return IntentWhatIs
	case IntentDebug:
		return IntentDebug
	default:
		return IntentGeneral
	}
}

// SplitProfileKey splits a "<category>.<subtype>" profile key. ok is false
// for the working-memory key and malformed keys.
func SplitProfileKey(key string) (Category, Subtype, bool) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	c, s := Category(parts[0]), Subtype(parts[1])
	if !Validate(c, s) {
		return "", "", false
	}
	return c, s, true
}
