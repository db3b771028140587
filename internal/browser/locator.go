// internal/browser/locator.go
package browser

// Locator names one logical element on the target page together with an
// ordered list of alternative CSS selectors. The remote application changes
// its DOM without notice, so callers try each alternative in sequence and
// treat exhaustion as a soft "not found" rather than a crash.
type Locator struct {
	Name         string
	Alternatives []string
}

// NewLocator builds a locator from a logical name and selector alternatives.
func NewLocator(name string, alternatives ...string) Locator {
	return Locator{Name: name, Alternatives: alternatives}
}

// Empty reports whether the locator carries no selectors at all.
func (l Locator) Empty() bool { return len(l.Alternatives) == 0 }
