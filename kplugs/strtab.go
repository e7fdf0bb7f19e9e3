package kplugs

import (
	"strings"
)

// stringTable interns strings by value for one function image. Equal
// strings return equal ids; id 0 is reserved to mean "no string" and is
// never handed out by intern.
//
// Grounded on core.py's Plug-level string_table list (self.string_table,
// _get_string_value): an insertion-ordered list plus an index lookup.
type stringTable struct {
	strings []string
	index   map[string]uint64
}

func newStringTable() *stringTable {
	return &stringTable{index: make(map[string]uint64)}
}

// intern interns s and returns its 1-based id. A trailing null is
// stripped before interning (mirrors core.py: "if string[-1] == '\0':
// string = string[:-1]"); any other interior null is an error.
func (t *stringTable) intern(s string) (uint64, error) {
	if strings.HasSuffix(s, "\x00") {
		s = s[:len(s)-1]
	}
	if strings.IndexByte(s, 0) >= 0 {
		return 0, compileErrf(ErrBadString, "string literal contains an interior null byte")
	}

	if id, ok := t.index[s]; ok {
		return id, nil
	}

	t.strings = append(t.strings, s)
	id := uint64(len(t.strings))
	t.index[s] = id
	return id, nil
}

// serialize returns the ids-ordered strings joined by a single null,
// followed by one trailing null, ready to be appended verbatim after the
// quartet stream.
func (t *stringTable) serialize() []byte {
	joined := strings.Join(t.strings, "\x00")
	buf := make([]byte, 0, len(joined)+1)
	buf = append(buf, joined...)
	buf = append(buf, 0)
	return buf
}
