// Package magic implements the nsmux naming convention: a pathname
// component of the form "file,,T" selects the translator T to be stacked
// on file. The escape for a literal ",," is ",,,".
//
// Grounded on original_source/magic.c (magic_find_sep, magic_unescape).
package magic

import "errors"

// ErrLeadingSeparator is returned by FindSeparator when name starts with
// the magic separator, which has no head component to look up.
var ErrLeadingSeparator = errors.New("magic: name starts with ,,")

// FindSeparator scans name left to right for the first occurrence of ",,"
// that is not immediately followed by a third comma (the triple-comma
// escape). It returns the byte offset of the first comma of the
// separator, and ok=false if no unescaped separator exists.
//
// A separator at offset 0 is reported through err, since the magic
// syntax requires a non-empty head component.
func FindSeparator(name string) (offset int, ok bool, err error) {
	for i := 0; i+1 < len(name); i++ {
		if name[i] != ',' || name[i+1] != ',' {
			continue
		}
		// Triple comma: escaped separator, skip past it.
		if i+2 < len(name) && name[i+2] == ',' {
			i += 2
			continue
		}
		if i == 0 {
			return 0, false, ErrLeadingSeparator
		}
		return i, true, nil
	}
	return 0, false, nil
}

// Unescape collapses every occurrence of three consecutive commas within
// name into two commas. It operates on the whole string and is idempotent
// only immediately after a single pass: a string whose commas all come
// in separate triples unescapes once to a string of only double-commas,
// and a further Unescape call is then a no-op (there is nothing left to
// collapse). Adjacent triples are not idempotent: six commas collapse to
// four, which a second call collapses to three.
func Unescape(name string) string {
	if len(name) < 3 {
		return name
	}
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if i+2 < len(name) && name[i] == ',' && name[i+1] == ',' && name[i+2] == ',' {
			out = append(out, ',', ',')
			i += 2
			continue
		}
		out = append(out, name[i])
	}
	return string(out)
}

// Split divides a magic component at its first unescaped separator,
// returning the unescaped head and the raw (still possibly magic) tail.
// ok is false if name has no separator, in which case head is the
// unescaped whole name and tail is empty.
func Split(name string) (head, tail string, ok bool, err error) {
	off, found, err := FindSeparator(name)
	if err != nil {
		return "", "", false, err
	}
	if !found {
		return Unescape(name), "", false, nil
	}
	return Unescape(name[:off]), name[off+2:], true, nil
}
