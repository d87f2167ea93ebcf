// Package scanner screens uploaded content before it is encrypted and stored.
package scanner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// Assessment levels reported by the signature scanner.
const (
	AssessmentSafe       = "safe"
	AssessmentSuspicious = "suspicious"
	AssessmentMalicious  = "malicious"
)

// Result is a scan verdict.
type Result struct {
	IsClean        bool     `json:"isClean"`
	Assessment     string   `json:"assessment"`
	Threats        []string `json:"threats"`
	Warnings       []string `json:"warnings"`
	Recommendation string   `json:"recommendation"`
	FileHash       string   `json:"fileHash"`
}

// Scanner inspects one artifact. path carries the original file name and is
// never opened; data holds the full content.
type Scanner interface {
	Scan(ctx context.Context, path string, data []byte) (*Result, error)
}

// eicar is the standard anti-malware test signature.
const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

var executableExtensions = map[string]bool{
	".exe": true, ".dll": true, ".scr": true, ".com": true, ".bat": true,
	".cmd": true, ".msi": true, ".vbs": true, ".js": true, ".jar": true,
	".ps1": true, ".sh": true, ".apk": true, ".app": true,
}

var magicSignatures = []struct {
	name  string
	magic []byte
}{
	{"Windows PE executable", []byte("MZ")},
	{"ELF executable", []byte("\x7fELF")},
	{"Mach-O executable", []byte{0xcf, 0xfa, 0xed, 0xfe}},
	{"Mach-O executable", []byte{0xce, 0xfa, 0xed, 0xfe}},
	{"Java class file", []byte{0xca, 0xfe, 0xba, 0xbe}},
}

var scriptMarkers = [][]byte{
	[]byte("<script"),
	[]byte("javascript:"),
	[]byte("eval("),
	[]byte("powershell -"),
	[]byte("cmd.exe"),
}

// declaredTypes maps extensions to the magic prefix their content must carry.
var declaredTypes = map[string][]byte{
	".pdf":  []byte("%PDF-"),
	".png":  []byte("\x89PNG\r\n\x1a\n"),
	".gif":  []byte("GIF8"),
	".jpg":  {0xff, 0xd8, 0xff},
	".jpeg": {0xff, 0xd8, 0xff},
	".zip":  []byte("PK"),
}

// SignatureScanner is a built-in scanner that matches known signatures,
// executable headers and risky file names.
type SignatureScanner struct{}

// NewSignatureScanner returns the built-in scanner.
func NewSignatureScanner() *SignatureScanner {
	return &SignatureScanner{}
}

// Scan never returns an error; it exists to satisfy Scanner.
func (s *SignatureScanner) Scan(ctx context.Context, path string, data []byte) (*Result, error) {
	res := &Result{
		Threats:  []string{},
		Warnings: []string{},
		FileHash: HashContent(data),
	}

	if bytes.Contains(data, []byte(eicar)) {
		res.Threats = append(res.Threats, "EICAR test signature")
	}
	for _, sig := range magicSignatures {
		if bytes.HasPrefix(data, sig.magic) {
			res.Threats = append(res.Threats, sig.name)
			break
		}
	}

	name := strings.ToLower(filepath.Base(path))
	ext := filepath.Ext(name)
	if executableExtensions[ext] {
		res.Threats = append(res.Threats, "Executable file extension "+ext)
	}
	if inner := filepath.Ext(strings.TrimSuffix(name, ext)); inner != "" && executableExtensions[ext] {
		res.Threats = append(res.Threats, "Double extension "+inner+ext)
	}

	if len(data) == 0 {
		res.Warnings = append(res.Warnings, "Empty file")
	}
	if magic, ok := declaredTypes[ext]; ok && len(data) > 0 && !bytes.HasPrefix(data, magic) {
		res.Warnings = append(res.Warnings, "Content does not match "+ext+" extension")
	}
	lower := bytes.ToLower(data)
	for _, marker := range scriptMarkers {
		if bytes.Contains(lower, marker) {
			res.Warnings = append(res.Warnings, "Embedded script content")
			break
		}
	}

	switch {
	case len(res.Threats) > 0:
		res.IsClean = false
		res.Assessment = AssessmentMalicious
		res.Recommendation = "Do not open or share this file"
	case len(res.Warnings) > 0:
		res.IsClean = true
		res.Assessment = AssessmentSuspicious
		res.Recommendation = "Review the warnings before opening this file"
	default:
		res.IsClean = true
		res.Assessment = AssessmentSafe
		res.Recommendation = "No action required"
	}
	return res, nil
}

// HashContent returns the hex SHA-256 of data.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
