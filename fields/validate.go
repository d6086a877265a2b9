// Package fields validates and stores the placement of signature inputs on
// document pages.
package fields

import (
	"fmt"

	"signflow/apperr"
	"signflow/signature"
)

// Field is a placed input. Coordinates are percentages of the page.
type Field = signature.Field

// Field types.
const (
	TypeSignature = "signature"
	TypeInitials  = "initials"
	TypeDate      = "date"
	TypeText      = "text"
	TypeCheckbox  = "checkbox"
)

func knownType(t string) bool {
	switch t {
	case TypeSignature, TypeInitials, TypeDate, TypeText, TypeCheckbox:
		return true
	default:
		return false
	}
}

// ValidateFieldAssignments checks every field against the page bounds and
// the signer set. All violations are collected into one Validation error.
func ValidateFieldAssignments(fields []Field, signers []signature.Signer) error {
	if problems := violations(fields, signers); len(problems) > 0 {
		return apperr.Validation("invalid field configuration", map[string]any{"violations": problems})
	}
	return nil
}

func violations(fields []Field, signers []signature.Signer) []string {
	var out []string
	if len(fields) == 0 {
		return []string{"at least one field is required"}
	}

	known := make(map[string]struct{}, len(signers))
	for _, s := range signers {
		known[s.ID] = struct{}{}
	}

	required := 0
	for i, f := range fields {
		name := label(i, f)
		if f.Page < 1 {
			out = append(out, fmt.Sprintf("%s: page must be at least 1", name))
		}
		if f.X < 0 || f.X > 100 || f.Y < 0 || f.Y > 100 {
			out = append(out, fmt.Sprintf("%s: x and y must be between 0 and 100", name))
		}
		if f.Width <= 0 || f.Width > 100 || f.Height <= 0 || f.Height > 100 {
			out = append(out, fmt.Sprintf("%s: width and height must be greater than 0 and at most 100", name))
		}
		if f.X+f.Width > 100 || f.Y+f.Height > 100 {
			out = append(out, fmt.Sprintf("%s: extends past the page edge", name))
		}
		if !knownType(f.Type) {
			out = append(out, fmt.Sprintf("%s: unknown type %q", name, f.Type))
		}
		if f.SignerID != "" {
			if _, ok := known[f.SignerID]; !ok {
				out = append(out, fmt.Sprintf("%s: signer %s is not part of this request", name, f.SignerID))
			}
		}
		if f.Required {
			required++
			if f.SignerID == "" {
				out = append(out, fmt.Sprintf("%s: required fields must be assigned to a signer", name))
			}
		}
	}
	if required == 0 {
		out = append(out, "at least one required field is needed")
	}

	for i := 0; i < len(fields); i++ {
		for j := i + 1; j < len(fields); j++ {
			if overlaps(fields[i], fields[j]) {
				out = append(out, fmt.Sprintf("%s overlaps %s on page %d", label(i, fields[i]), label(j, fields[j]), fields[i].Page))
			}
		}
	}
	return out
}

// overlaps is a strict bounding box test; shared edges do not count.
func overlaps(a, b Field) bool {
	if a.Page != b.Page {
		return false
	}
	return a.X < b.X+b.Width && b.X < a.X+a.Width &&
		a.Y < b.Y+b.Height && b.Y < a.Y+a.Height
}

func label(i int, f Field) string {
	if f.ID != "" {
		return "field " + f.ID
	}
	return fmt.Sprintf("fields[%d]", i)
}
