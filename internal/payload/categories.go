package payload

import "strings"

// publicSuffix is appended to public-eligible categories.
const publicSuffix = " Public"

// AugmentOptions controls category augmentation for one destination copy.
type AugmentOptions struct {
	// Public is the fixed list of categories eligible for a public twin.
	Public []string
	// Board suppresses augmentation entirely when present on the event.
	Board string
	// SuppressPublic is set for the Primary copy of an event that also
	// lands in the Senior calendar; only the Senior copy is made public.
	SuppressPublic bool
}

// AugmentCategories returns the category list written to the remote event.
// Public twins are added when the event is displayed publicly and is either
// approved or explicitly pushed; the colour category goes first.
func AugmentCategories(categories []string, colourCategory string, displayPublic, approved, pushPublic bool, opts AugmentOptions) []string {
	out := make([]string, 0, len(categories)*2+1)

	augment := displayPublic && (approved || pushPublic) && !opts.SuppressPublic && !contains(categories, opts.Board)
	for _, c := range categories {
		out = appendUnique(out, c)
		if augment && contains(opts.Public, c) {
			out = appendUnique(out, c+publicSuffix)
		}
	}

	if colour := ColourOf(colourCategory); colour != "" {
		rest := make([]string, 0, len(out))
		for _, c := range out {
			if c != colour {
				rest = append(rest, c)
			}
		}
		out = append([]string{colour}, rest...)
	}
	return out
}

// ColourOf returns the last segment of a "/"-delimited colour category path.
func ColourOf(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return strings.TrimSpace(path)
}

func contains(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	if s == "" || contains(list, s) {
		return list
	}
	return append(list, s)
}
