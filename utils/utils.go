package utils

import "strings"

func Must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}
	return obj
}

func MustWithoutOutput(err error) {
	if err != nil {
		panic(err)
	}
}

func ToPtr[T any](v T) *T {
	return &v
}

// NormalizeText lowercases, trims, and collapses runs of whitespace to a
// single space. Cache keys derive from normalized text so trivially
// reformatted queries hash identically.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
