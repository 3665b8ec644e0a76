// Package smali mutates disassembled dex classes as line arrays.
//
// The grammar recognized here is deliberately narrow: a unit is a header
// (the .class declaration), a run of existing members, and an append point
// at the end of the file. That is enough for the two supported edits —
// hooking an existing static initializer and appending new methods — without
// a real smali parser.
package smali

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	ErrNoClassType = errors.New("smali: no .class declaration found")
	ErrNotUTF8     = errors.New("smali: unit is not valid UTF-8")
)

// Unit is one disassembled class held in memory as ordered lines.
type Unit struct {
	Path      string
	ClassType string // internal type descriptor, e.g. "Lcom/example/Main;"
	Lines     []string

	clinitIdx int // line index of the last ".method static constructor <clinit>" signature, -1 if none
}

// Load reads a .smali file and scans it for the class declaration and an
// existing static initializer.
func Load(path string) (*Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("smali: read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s", ErrNotUTF8, path)
	}

	u := &Unit{
		Path:  path,
		Lines: strings.Split(strings.TrimSuffix(string(data), "\n"), "\n"),
	}
	u.Scan()
	return u, nil
}

// Scan locates the .class declaration and the static-initializer signature.
// If a unit somehow carries more than one <clinit> signature the last one
// wins; such units are malformed upstream and not otherwise supported.
func (u *Unit) Scan() {
	u.ClassType = ""
	u.clinitIdx = -1
	for i, line := range u.Lines {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, ".class ") {
			fields := strings.Fields(t)
			if len(fields) >= 2 {
				u.ClassType = fields[len(fields)-1]
			}
		}
		if strings.HasPrefix(t, ".method ") && strings.Contains(t, "constructor <clinit>()V") {
			u.clinitIdx = i
		}
	}
}

// HasStaticInitializer reports whether the unit already defines <clinit>.
func (u *Unit) HasStaticInitializer() bool { return u.clinitIdx >= 0 }

// Contains reports whether any line of the unit contains the substring.
// Callers use this as their idempotence guard: InjectStaticCall itself never
// checks and will inject twice if asked twice.
func (u *Unit) Contains(marker string) bool {
	for _, line := range u.Lines {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// InjectStaticCall adds a new private static method named
// "<prefix>_<32 hex chars>" whose body is the caller-supplied instructions,
// and arranges for it to run at class-initialization time: if the unit has a
// <clinit>, its invocation becomes the first line of that body; otherwise a
// minimal <clinit> is appended whose sole job is the invocation.
//
// The mutated unit is written back all-or-nothing via a temp file in the
// same directory. On any error the file on disk is untouched.
func (u *Unit) InjectStaticCall(prefix string, locals int, body []string) (string, error) {
	if u.ClassType == "" {
		return "", fmt.Errorf("%w: %s", ErrNoClassType, u.Path)
	}

	name := prefix + "_" + randomToken()
	invoke := fmt.Sprintf("    invoke-static {}, %s->%s()V", u.ClassType, name)

	lines := make([]string, 0, len(u.Lines)+len(body)+16)
	if u.clinitIdx >= 0 {
		lines = append(lines, u.Lines[:u.clinitIdx+1]...)
		lines = append(lines, invoke)
		lines = append(lines, u.Lines[u.clinitIdx+1:]...)
	} else {
		lines = append(lines, u.Lines...)
		lines = append(lines,
			"",
			".method static constructor <clinit>()V",
			"    .locals 0",
			"",
			invoke,
			"",
			"    return-void",
			".end method")
	}

	lines = append(lines,
		"",
		fmt.Sprintf(".method private static %s()V", name),
		fmt.Sprintf("    .locals %d", locals))
	lines = append(lines, body...)
	lines = append(lines,
		"",
		"    return-void",
		".end method")

	if err := writeLines(u.Path, lines); err != nil {
		return "", err
	}
	u.Lines = lines
	u.Scan()
	return name, nil
}

// randomToken returns 128 bits of entropy as 32 hex characters. Name
// uniqueness rests on this, not on any per-class lookup.
func randomToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("smali: rand: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func writeLines(path string, lines []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".smali-*")
	if err != nil {
		return fmt.Errorf("smali: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("smali: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("smali: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("smali: replace %s: %w", path, err)
	}
	return nil
}
