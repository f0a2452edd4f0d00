package config

import "forge.stoat.dev/fanfic/fetcher/internal/story"

// FetcherModifier is the command-line mode flag passed to the story-fetcher
// CLI for one invocation.
type FetcherModifier string

const (
	ModifierUpdate       FetcherModifier = "update"
	ModifierUpdateAlways FetcherModifier = "update-always"
	ModifierForce        FetcherModifier = "force"
)

// FetcherModifier applies the update-mode policy table to determine the
// actual fetcher invocation for behavior b, checked top-to-bottom:
// update_no_force always wins; then an explicit/auto-promoted force behavior;
// then a globally configured force or update_always; otherwise plain update.
func (l LibraryConfig) FetcherModifier(b story.Behavior) FetcherModifier {
	if l.UpdateMethod == UpdateMethodNoForce {
		return ModifierUpdate
	}
	if b == story.BehaviorForce {
		return ModifierForce
	}
	switch l.UpdateMethod {
	case UpdateMethodForce:
		return ModifierForce
	case UpdateMethodUpdateAlways:
		return ModifierUpdateAlways
	default:
		return ModifierUpdate
	}
}

// AllowsForcePromotion reports whether a ForceIndicated outcome may promote a
// story's behavior to force. Only update_no_force disables promotion.
func (l LibraryConfig) AllowsForcePromotion() bool {
	return l.UpdateMethod != UpdateMethodNoForce
}
