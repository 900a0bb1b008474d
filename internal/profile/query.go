package profile

import "github.com/PuerkitoBio/goquery"

// First returns the first element under root matched by the first selector
// in the list that matches anything, or nil. Invalid selectors match nothing.
func First(root *goquery.Selection, selectors []string) *goquery.Selection {
	for _, s := range selectors {
		if found := root.Find(s); found.Length() > 0 {
			return found.First()
		}
	}
	return nil
}

// All returns every element under root matched by the first selector in the
// list that matches anything, in document order.
func All(root *goquery.Selection, selectors []string) *goquery.Selection {
	for _, s := range selectors {
		if found := root.Find(s); found.Length() > 0 {
			return found
		}
	}
	return nil
}

// FirstSelector returns the first selector in the list that matches anything under root.
func FirstSelector(root *goquery.Selection, selectors []string) (string, bool) {
	for _, s := range selectors {
		if root.Find(s).Length() > 0 {
			return s, true
		}
	}
	return "", false
}

func matchesAny(el *goquery.Selection, selectors []string) bool {
	for _, s := range selectors {
		if el.Is(s) {
			return true
		}
	}
	return false
}
