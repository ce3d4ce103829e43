package profile

import "strings"

// Profile holds the user's display name and the list of allergens to
// screen product labels against.
type Profile struct {
	DisplayName string   `json:"display_name"`
	Allergens   []string `json:"allergens"`
}

// AddAllergen appends a trimmed allergen entry, keeping insertion order.
// Empty or whitespace-only input is rejected. Duplicate detection is
// case-sensitive exact match, so "Leite" and "leite" are distinct entries.
// Returns true when the list changed.
func (p *Profile) AddAllergen(raw string) bool {
	entry := strings.TrimSpace(raw)
	if entry == "" {
		return false
	}
	for _, existing := range p.Allergens {
		if existing == entry {
			return false
		}
	}
	p.Allergens = append(p.Allergens, entry)
	return true
}

// RemoveAllergen removes an entry by exact string match. Removing an
// entry that is not present is a no-op. Returns true when the list changed.
func (p *Profile) RemoveAllergen(name string) bool {
	for i, existing := range p.Allergens {
		if existing == name {
			p.Allergens = append(p.Allergens[:i], p.Allergens[i+1:]...)
			return true
		}
	}
	return false
}
