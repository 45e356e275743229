package crdt

// Field names one of the four independently replicated text streams of a
// room document.
type Field string

const (
	FieldHead Field = "head"
	FieldHTML Field = "html"
	FieldCSS  Field = "css"
	FieldJS   Field = "js"
)

// Fields lists every document field in display order.
var Fields = []Field{FieldHead, FieldHTML, FieldCSS, FieldJS}

func (f Field) Valid() bool {
	switch f {
	case FieldHead, FieldHTML, FieldCSS, FieldJS:
		return true
	default:
		return false
	}
}

// Snapshot is the plain-text view of a document, used for rendering and
// persistence.
type Snapshot struct {
	Head string `json:"head"`
	HTML string `json:"html"`
	CSS  string `json:"css"`
	JS   string `json:"js"`
}

// Get returns the text of one field.
func (s Snapshot) Get(field Field) string {
	switch field {
	case FieldHead:
		return s.Head
	case FieldHTML:
		return s.HTML
	case FieldCSS:
		return s.CSS
	case FieldJS:
		return s.JS
	default:
		return ""
	}
}

func (s *Snapshot) set(field Field, value string) {
	switch field {
	case FieldHead:
		s.Head = value
	case FieldHTML:
		s.HTML = value
	case FieldCSS:
		s.CSS = value
	case FieldJS:
		s.JS = value
	}
}

// With returns a copy of s with one field replaced.
func (s Snapshot) With(field Field, value string) Snapshot {
	s.set(field, value)
	return s
}

// IsEmpty reports whether every field is blank.
func (s Snapshot) IsEmpty() bool {
	return s.Head == "" && s.HTML == "" && s.CSS == "" && s.JS == ""
}
