package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Variant tags the kind of fact a memory item records.
type Variant string

const (
	VariantMoment        Variant = "moment"
	VariantEmotion       Variant = "emotion"
	VariantReflection    Variant = "reflection"
	VariantValue         Variant = "value"
	VariantPattern       Variant = "pattern"
	VariantContradiction Variant = "contradiction"
	VariantNote          Variant = "note"
)

// Variants returns all known variants in stable order.
func Variants() []Variant {
	return []Variant{
		VariantMoment,
		VariantEmotion,
		VariantReflection,
		VariantValue,
		VariantPattern,
		VariantContradiction,
		VariantNote,
	}
}

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	switch v {
	case VariantMoment, VariantEmotion, VariantReflection, VariantValue,
		VariantPattern, VariantContradiction, VariantNote:
		return true
	}
	return false
}

// SourceLabel is the variant's category label as reported in query
// results ("emotions", "reflections", ...).
func (v Variant) SourceLabel() string {
	return string(v) + "s"
}

// Item is one structured fact extracted from conversation. Items are
// immutable once stored; only the embedding is filled in afterwards.
type Item struct {
	ID          string
	UserID      string
	SessionID   string
	CreatedAt   time.Time
	Variant     Variant
	Content     string
	ContentHash uint64

	// Variant-specific scores. Nil when the variant does not declare
	// the field.
	Intensity  *float64 // Emotion, [0,1]
	Confidence *float64 // Reflection, [0,1]
	DepthLevel *int     // Reflection, >= 1
	Importance *float64 // Value, [0,1]

	// Embedding is nil until background fill-in completes. Items
	// without an embedding are excluded from vector-ranked retrieval
	// but remain reachable through plain graph reads.
	Embedding []float32
}

// NewItem creates an item with a fresh ID, timestamp and content hash.
func NewItem(userID, sessionID string, variant Variant, content string) *Item {
	return &Item{
		ID:          uuid.New().String(),
		UserID:      userID,
		SessionID:   sessionID,
		CreatedAt:   time.Now().UTC(),
		Variant:     variant,
		Content:     content,
		ContentHash: HashContent(content),
	}
}

// Validate enforces the persistence invariants: non-empty content, a
// valid owner, a known variant, and all declared scores in bounds.
func (it *Item) Validate() error {
	if strings.TrimSpace(it.Content) == "" {
		return fmt.Errorf("item %s: empty content", it.ID)
	}
	if it.UserID == "" {
		return fmt.Errorf("item %s: missing user id", it.ID)
	}
	if !it.Variant.Valid() {
		return fmt.Errorf("item %s: unknown variant %q", it.ID, it.Variant)
	}
	for name, score := range map[string]*float64{
		"intensity":  it.Intensity,
		"confidence": it.Confidence,
		"importance": it.Importance,
	} {
		if score != nil && (*score < 0 || *score > 1) {
			return fmt.Errorf("item %s: %s %v outside [0,1]", it.ID, name, *score)
		}
	}
	if it.DepthLevel != nil && *it.DepthLevel < 1 {
		return fmt.Errorf("item %s: depth_level %d below 1", it.ID, *it.DepthLevel)
	}
	return nil
}

// FormatForEmbedding returns the text representation handed to the
// embedding provider.
func (it *Item) FormatForEmbedding() string {
	return fmt.Sprintf("%s: %s", it.Variant, it.Content)
}

// Format renders the item for prompt injection, truncated to maxLen.
func (it *Item) Format(maxLen int) string {
	var score string
	switch {
	case it.Variant == VariantEmotion && it.Intensity != nil:
		score = fmt.Sprintf(" (intensity %.2f)", *it.Intensity)
	case it.Variant == VariantReflection && it.Confidence != nil:
		score = fmt.Sprintf(" (confidence %.2f)", *it.Confidence)
	case it.Variant == VariantValue && it.Importance != nil:
		score = fmt.Sprintf(" (importance %.2f)", *it.Importance)
	}
	return fmt.Sprintf("[%s] %s%s", it.Variant, truncate(it.Content, maxLen), score)
}

// HashContent hashes normalized content for exact-duplicate detection.
// Case and whitespace differences do not defeat the guard.
func HashContent(content string) uint64 {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	return xxhash.Sum64String(normalized)
}

// truncate shortens a string to maxLen, adding "..." if cut.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
