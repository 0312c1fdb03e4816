// Package taxonomy holds the fixed memory classification tables: the
// category/subtype enumeration and the intent-to-weight retrieval profiles.
// Everything here is compile-time data and freely shared across goroutines.
package taxonomy

// Category is a top-level memory category.
type Category string

const (
	// CategoryEpisodic records what happened.
	CategoryEpisodic Category = "episodic"
	// CategorySemantic records facts and knowledge.
	CategorySemantic Category = "semantic"
	// CategoryProcedural records how to do things.
	CategoryProcedural Category = "procedural"
	// CategoryPreference records learned behaviors.
	CategoryPreference Category = "preference"
)

func (c Category) String() string { return string(c) }

// Subtype is the second classification level, valid only within its category.
type Subtype string

const (
	SubtypeEvent        Subtype = "event"
	SubtypeDecision     Subtype = "decision"
	SubtypeConversation Subtype = "conversation"
	SubtypeOutcome      Subtype = "outcome"

	SubtypeUser        Subtype = "user"
	SubtypeProject     Subtype = "project"
	SubtypeEnvironment Subtype = "environment"
	SubtypeDomain      Subtype = "domain"
	SubtypeEntity      Subtype = "entity"

	SubtypeWorkflow  Subtype = "workflow"
	SubtypePattern   Subtype = "pattern"
	SubtypeToolUsage Subtype = "tool_usage"
	SubtypeDebugging Subtype = "debugging"

	SubtypeCommunication Subtype = "communication"
	SubtypeStyle         Subtype = "style"
	SubtypeTools         Subtype = "tools"
	SubtypeBoundaries    Subtype = "boundaries"
)

func (s Subtype) String() string { return string(s) }

var categorySubtypes = map[Category][]Subtype{
	CategoryEpisodic:   {SubtypeEvent, SubtypeDecision, SubtypeConversation, SubtypeOutcome},
	CategorySemantic:   {SubtypeUser, SubtypeProject, SubtypeEnvironment, SubtypeDomain, SubtypeEntity},
	CategoryProcedural: {SubtypeWorkflow, SubtypePattern, SubtypeToolUsage, SubtypeDebugging},
	CategoryPreference: {SubtypeCommunication, SubtypeStyle, SubtypeTools, SubtypeBoundaries},
}

// Categories returns every category in declaration order.
func Categories() []Category {
	return []Category{CategoryEpisodic, CategorySemantic, CategoryProcedural, CategoryPreference}
}

// Subtypes returns the valid subtypes for a category, nil for unknown ones.
func Subtypes(c Category) []Subtype {
	subs := categorySubtypes[c]
	out := make([]Subtype, len(subs))
	copy(out, subs)
	return out
}

// Validate reports whether the (category, subtype) pair is drawn from the
// fixed table.
func Validate(c Category, s Subtype) bool {
	for _, valid := range categorySubtypes[c] {
		if valid == s {
			return true
		}
	}
	return false
}

// DefaultCategory and DefaultSubtype are the classification fallback used
// when the model service cannot produce a usable answer.
const (
	DefaultCategory = CategorySemantic
	DefaultSubtype  = SubtypeDomain
)
