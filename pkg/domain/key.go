package domain

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// DefaultFileName is used when a raw upload does not name its file.
const DefaultFileName = "a"

// FileKey addresses a stored file as <id>/<name>.
type FileKey struct {
	ID   string
	Name string
}

// NewFileKey allocates a fresh random ID for name.
func NewFileKey(name string) FileKey {
	return FileKey{ID: uuid.NewString(), Name: name}
}

func (k FileKey) String() string {
	return k.ID + "/" + k.Name
}

// Validate checks that the ID is a canonical UUID and the name is already sanitized.
func (k FileKey) Validate() error {
	if err := ValidateID(k.ID); err != nil {
		return err
	}
	clean, err := SanitizeFileName(k.Name)
	if err != nil {
		return err
	}
	if clean != k.Name {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, k.Name)
	}
	return nil
}

// ParseFileKey parses "<id>/<name>".
func ParseFileKey(s string) (FileKey, error) {
	id, name, ok := strings.Cut(s, "/")
	if !ok {
		return FileKey{}, fmt.Errorf("%w: %q", ErrInvalidFileName, s)
	}
	k := FileKey{ID: id, Name: name}
	if err := k.Validate(); err != nil {
		return FileKey{}, err
	}
	return k, nil
}

// ValidateID reports whether id is a UUID in its canonical lowercase form.
func ValidateID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// SanitizeFileName reduces a client-supplied name to a single safe path element.
// Directory components are dropped, so "../../etc/passwd" becomes "passwd".
func SanitizeFileName(name string) (string, error) {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: empty", ErrInvalidFileName)
	}
	for _, r := range name {
		if r == 0 || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: control character in %q", ErrInvalidFileName, name)
		}
	}
	return name, nil
}
