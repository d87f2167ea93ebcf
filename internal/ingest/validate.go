package ingest

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
)

// MaxNameLength is the longest accepted original file name, in bytes.
const MaxNameLength = 255

// Policy is the reloadable upload validation policy.
type Policy struct {
	MaxFileSize       int64
	AllowedExtensions []string
	MaxFiles          int
}

// ValidateName checks an original file name against the policy. It rejects
// empty or overlong names, path components and control characters.
func (p Policy) ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: file name is required", ErrValidation)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: file name exceeds %d characters", ErrValidation, MaxNameLength)
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: file name contains path traversal sequences", ErrValidation)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: file name contains control characters", ErrValidation)
		}
	}

	ext := strings.ToLower(filepath.Ext(name))
	if len(p.AllowedExtensions) > 0 && !slices.ContainsFunc(p.AllowedExtensions, func(a string) bool {
		return strings.EqualFold(a, ext)
	}) {
		if ext == "" {
			return fmt.Errorf("%w: file has no extension", ErrValidation)
		}
		return fmt.Errorf("%w: file type %s is not allowed", ErrValidation, ext)
	}
	return nil
}

// ValidateSize checks a payload size against the policy.
func (p Policy) ValidateSize(size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: invalid file size", ErrValidation)
	}
	if p.MaxFileSize > 0 && size > p.MaxFileSize {
		return fmt.Errorf("%w: file exceeds maximum size of %d bytes", ErrValidation, p.MaxFileSize)
	}
	return nil
}
