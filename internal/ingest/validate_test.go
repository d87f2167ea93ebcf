package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_ValidateName(t *testing.T) {
	p := Policy{AllowedExtensions: []string{".txt", ".PDF"}}

	tests := []struct {
		name    string
		file    string
		wantErr bool
	}{
		{"plain", "report.txt", false},
		{"case insensitive extension", "Scan.pdf", false},
		{"unicode name", "отчёт.txt", false},
		{"max length", strings.Repeat("a", 251) + ".txt", false},
		{"too long", strings.Repeat("a", 252) + ".txt", true},
		{"empty", "", true},
		{"blank", "   ", true},
		{"dot dot", "..hidden.txt", true},
		{"slash", "dir/file.txt", true},
		{"backslash", `dir\file.txt`, true},
		{"newline", "a\nb.txt", true},
		{"nul", "a\x00.txt", true},
		{"disallowed extension", "run.sh", true},
		{"no extension", "README", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.ValidateName(tt.file)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicy_ValidateNameWithoutAllowList(t *testing.T) {
	assert.NoError(t, Policy{}.ValidateName("anything.xyz"))
}

func TestPolicy_ValidateSize(t *testing.T) {
	p := Policy{MaxFileSize: 10}
	assert.NoError(t, p.ValidateSize(0))
	assert.NoError(t, p.ValidateSize(10))
	assert.ErrorIs(t, p.ValidateSize(11), ErrValidation)
	assert.ErrorIs(t, p.ValidateSize(-1), ErrValidation)
}
