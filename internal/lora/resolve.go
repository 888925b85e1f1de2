package lora

import (
	"path"
	"strings"
)

// ResolveName maps a tag name onto one of the available LoRA files.
//
// Candidates are slash-separated paths relative to the LoRA directory. A
// candidate matches when it equals name exactly, when it equals name
// ignoring case (with or without its extension), or, as a last resort,
// when its base name without extension equals name ignoring case. The
// name is returned unchanged when nothing matches so the caller can
// report it.
func ResolveName(name string, candidates []string) string {
	for _, c := range candidates {
		if c == name {
			return c
		}
	}

	lowered := strings.ToLower(name)
	for _, c := range candidates {
		if strings.ToLower(c) == lowered {
			return c
		}
		if strings.ToLower(trimExt(c)) == lowered {
			return c
		}
	}

	for _, c := range candidates {
		if strings.ToLower(trimExt(path.Base(c))) == lowered {
			return c
		}
	}

	return name
}

func trimExt(p string) string {
	return strings.TrimSuffix(p, path.Ext(p))
}
